package storage

import (
	"context"
	"errors"
	"math"
	"testing"

	"meshnet/internal/model"
)

func newInitializedStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func TestRunRoundTrip(t *testing.T) {
	s := newInitializedStore(t)
	ctx := context.Background()

	run := model.RunRecord{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		ID:              "run-1",
		OutputDirectory: "out/run-1",
		Status:          model.RunStatusRunning,
		CreatedAtUnix:   100,
	}
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("save run: %v", err)
	}

	got, ok, err := s.GetRun(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("get run: ok=%v err=%v", ok, err)
	}
	if got.Status != model.RunStatusRunning || got.OutputDirectory != "out/run-1" {
		t.Fatalf("unexpected run: %+v", got)
	}

	if _, ok, err := s.GetRun(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing run: ok=%v err=%v", ok, err)
	}
}

func TestListRunsOrdersByCreation(t *testing.T) {
	s := newInitializedStore(t)
	ctx := context.Background()

	for _, run := range []model.RunRecord{
		{ID: "b", CreatedAtUnix: 200},
		{ID: "c", CreatedAtUnix: 100},
		{ID: "a", CreatedAtUnix: 200},
	} {
		if err := s.SaveRun(ctx, run); err != nil {
			t.Fatalf("save run %s: %v", run.ID, err)
		}
	}

	runs, err := s.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	var ids []string
	for _, run := range runs {
		ids = append(ids, run.ID)
	}
	want := []string{"c", "a", "b"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("order: got %v, want %v", ids, want)
		}
	}
}

func TestLogRowsAppend(t *testing.T) {
	s := newInitializedStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetLogRows(ctx, "run-1"); err != nil || ok {
		t.Fatalf("absent log: ok=%v err=%v", ok, err)
	}

	first := []model.LogRow{{Epoch: 1, TrainLoss: 0.5, ValidationLoss: 0.6}}
	second := []model.LogRow{{Epoch: 2, TrainLoss: 0.4, ValidationLoss: 0.5}}
	if err := s.AppendLogRows(ctx, "run-1", first); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendLogRows(ctx, "run-1", second); err != nil {
		t.Fatalf("append: %v", err)
	}

	rows, ok, err := s.GetLogRows(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("get log: ok=%v err=%v", ok, err)
	}
	if len(rows) != 2 || rows[0].Epoch != 1 || rows[1].Epoch != 2 {
		t.Fatalf("rows: got %+v", rows)
	}

	// the returned slice is a copy
	rows[0].Epoch = 99
	again, _, err := s.GetLogRows(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if again[0].Epoch != 1 {
		t.Fatalf("stored rows mutated through the returned slice: %+v", again)
	}
}

func TestCheckpointIndexRoundTrip(t *testing.T) {
	s := newInitializedStore(t)
	ctx := context.Background()

	index := []model.CheckpointIndexEntry{
		{Epoch: 1, Path: "out/snapshot_epoch_1.json", TrainLoss: 0.5, ValidationLoss: 0.6},
		{Epoch: 2, Path: "out/snapshot_epoch_2.json", TrainLoss: 0.4, ValidationLoss: 0.5},
	}
	if err := s.SaveCheckpointIndex(ctx, "run-1", index); err != nil {
		t.Fatalf("save index: %v", err)
	}
	got, ok, err := s.GetCheckpointIndex(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("get index: ok=%v err=%v", ok, err)
	}
	if len(got) != 2 || got[1].Path != "out/snapshot_epoch_2.json" {
		t.Fatalf("index: got %+v", got)
	}
}

func TestRunCodecRoundTrip(t *testing.T) {
	run := model.RunRecord{
		VersionedRecord:    model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		ID:                 "run-1",
		Status:             model.RunStatusCompleted,
		BestValidationLoss: 0.125,
	}
	data, err := EncodeRun(run)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeRun(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "run-1" || got.BestValidationLoss != 0.125 {
		t.Fatalf("decoded run: got %+v", got)
	}
}

func TestCodecKeepsNaNLosses(t *testing.T) {
	run := model.RunRecord{
		VersionedRecord:    model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		ID:                 "run-1",
		Status:             model.RunStatusCompleted,
		BestValidationLoss: math.NaN(),
	}
	data, err := EncodeRun(run)
	if err != nil {
		t.Fatalf("encode run with NaN best loss: %v", err)
	}
	gotRun, err := DecodeRun(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !math.IsNaN(gotRun.BestValidationLoss) {
		t.Fatalf("best loss must round-trip as NaN, got %g", gotRun.BestValidationLoss)
	}

	rows := []model.LogRow{{Epoch: 1, TrainLoss: 0.5, ValidationLoss: math.NaN()}}
	data, err = EncodeLogRows(rows)
	if err != nil {
		t.Fatalf("encode log rows with NaN validation: %v", err)
	}
	gotRows, err := DecodeLogRows(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(gotRows) != 1 || gotRows[0].TrainLoss != 0.5 || !math.IsNaN(gotRows[0].ValidationLoss) {
		t.Fatalf("decoded rows: got %+v", gotRows)
	}

	index := []model.CheckpointIndexEntry{{Epoch: 1, Path: "snapshot_epoch_1.json", TrainLoss: 0.5, ValidationLoss: math.NaN()}}
	data, err = EncodeCheckpointIndex(index)
	if err != nil {
		t.Fatalf("encode index with NaN validation: %v", err)
	}
	gotIndex, err := DecodeCheckpointIndex(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(gotIndex) != 1 || !math.IsNaN(gotIndex[0].ValidationLoss) {
		t.Fatalf("decoded index: got %+v", gotIndex)
	}
}

func TestDecodeRunRejectsVersionMismatch(t *testing.T) {
	run := model.RunRecord{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion + 1, CodecVersion: CurrentCodecVersion},
		ID:              "run-1",
	}
	data, err := EncodeRun(run)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeRun(data); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestNewStoreKinds(t *testing.T) {
	s, err := NewStore("memory", "")
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Fatalf("expected *MemoryStore, got %T", s)
	}

	if _, err := NewStore("redis", ""); err == nil {
		t.Fatal("unsupported backend must fail")
	}
}
