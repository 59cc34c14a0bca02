package model

import (
	"encoding/json"
	"math"
)

// nanFloat encodes NaN as null. Runs without validation data carry NaN
// losses, which encoding/json rejects as a bare float64.
type nanFloat float64

func (f nanFloat) MarshalJSON() ([]byte, error) {
	if math.IsNaN(float64(f)) {
		return []byte("null"), nil
	}
	return json.Marshal(float64(f))
}

func (f *nanFloat) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = nanFloat(math.NaN())
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = nanFloat(v)
	return nil
}

func (c Checkpoint) MarshalJSON() ([]byte, error) {
	type alias Checkpoint
	return json.Marshal(struct {
		alias
		TrainLoss      nanFloat `json:"train_loss"`
		ValidationLoss nanFloat `json:"validation_loss"`
	}{alias(c), nanFloat(c.TrainLoss), nanFloat(c.ValidationLoss)})
}

func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	type alias Checkpoint
	aux := struct {
		*alias
		TrainLoss      nanFloat `json:"train_loss"`
		ValidationLoss nanFloat `json:"validation_loss"`
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.TrainLoss = float64(aux.TrainLoss)
	c.ValidationLoss = float64(aux.ValidationLoss)
	return nil
}

func (r LogRow) MarshalJSON() ([]byte, error) {
	type alias LogRow
	return json.Marshal(struct {
		alias
		TrainLoss      nanFloat `json:"train_loss"`
		ValidationLoss nanFloat `json:"validation_loss"`
	}{alias(r), nanFloat(r.TrainLoss), nanFloat(r.ValidationLoss)})
}

func (r *LogRow) UnmarshalJSON(data []byte) error {
	type alias LogRow
	aux := struct {
		*alias
		TrainLoss      nanFloat `json:"train_loss"`
		ValidationLoss nanFloat `json:"validation_loss"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.TrainLoss = float64(aux.TrainLoss)
	r.ValidationLoss = float64(aux.ValidationLoss)
	return nil
}

func (r RunRecord) MarshalJSON() ([]byte, error) {
	type alias RunRecord
	return json.Marshal(struct {
		alias
		BestValidationLoss nanFloat `json:"best_validation_loss"`
	}{alias(r), nanFloat(r.BestValidationLoss)})
}

func (r *RunRecord) UnmarshalJSON(data []byte) error {
	type alias RunRecord
	aux := struct {
		*alias
		BestValidationLoss nanFloat `json:"best_validation_loss"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.BestValidationLoss = float64(aux.BestValidationLoss)
	return nil
}

func (e CheckpointIndexEntry) MarshalJSON() ([]byte, error) {
	type alias CheckpointIndexEntry
	return json.Marshal(struct {
		alias
		TrainLoss      nanFloat `json:"train_loss"`
		ValidationLoss nanFloat `json:"validation_loss"`
	}{alias(e), nanFloat(e.TrainLoss), nanFloat(e.ValidationLoss)})
}

func (e *CheckpointIndexEntry) UnmarshalJSON(data []byte) error {
	type alias CheckpointIndexEntry
	aux := struct {
		*alias
		TrainLoss      nanFloat `json:"train_loss"`
		ValidationLoss nanFloat `json:"validation_loss"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	e.TrainLoss = float64(aux.TrainLoss)
	e.ValidationLoss = float64(aux.ValidationLoss)
	return nil
}
