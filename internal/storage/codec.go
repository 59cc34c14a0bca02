package storage

import (
	"encoding/json"
	"errors"

	"meshnet/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

func EncodeRun(r model.RunRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeRun(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return run, nil
}

func EncodeLogRows(rows []model.LogRow) ([]byte, error) {
	return json.Marshal(rows)
}

func DecodeLogRows(data []byte) ([]model.LogRow, error) {
	var rows []model.LogRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func EncodeCheckpointIndex(index []model.CheckpointIndexEntry) ([]byte, error) {
	return json.Marshal(index)
}

func DecodeCheckpointIndex(data []byte) ([]model.CheckpointIndexEntry, error) {
	var index []model.CheckpointIndexEntry
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, err
	}
	return index, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
