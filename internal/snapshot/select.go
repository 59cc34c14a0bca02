package snapshot

import (
	"fmt"
	"math"
	"path/filepath"

	"meshnet/internal/model"
)

// Selection is a chosen snapshot and the evidence behind the choice.
type Selection struct {
	Path           string
	Epoch          int
	ValidationLoss float64
	TrainLoss      float64
}

// Select picks a snapshot file from a run directory.
//
//	latest      highest epoch among the snapshot files
//	best        minimum validation loss in the log history
//	train_best  minimum training loss in the log history
//
// As soon as any validation loss in the history is NaN, best switches
// wholesale to the train_best criterion.
func Select(dir, method string) (*Selection, error) {
	files, err := List(dir)
	if err != nil {
		return nil, err
	}
	switch method {
	case "latest":
		best := -1
		for epoch := range files {
			if epoch > best {
				best = epoch
			}
		}
		return &Selection{Path: files[best], Epoch: best}, nil
	case "best":
		rows, err := ReadLog(filepath.Join(dir, LogFileName))
		if err != nil {
			return nil, err
		}
		score := func(r model.LogRow) float64 { return r.ValidationLoss }
		if anyNaNValidation(rows) {
			score = func(r model.LogRow) float64 { return r.TrainLoss }
		}
		sel, ok := pickMin(rows, files, score)
		if !ok {
			return nil, fmt.Errorf("%w matching log history in %s", ErrNoSnapshots, dir)
		}
		return sel, nil
	case "train_best":
		rows, err := ReadLog(filepath.Join(dir, LogFileName))
		if err != nil {
			return nil, err
		}
		sel, ok := pickMin(rows, files, func(r model.LogRow) float64 { return r.TrainLoss })
		if !ok {
			return nil, fmt.Errorf("%w matching log history in %s", ErrNoSnapshots, dir)
		}
		return sel, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownChoice, method)
	}
}

func anyNaNValidation(rows []model.LogRow) bool {
	for _, r := range rows {
		if math.IsNaN(r.ValidationLoss) {
			return true
		}
	}
	return false
}

func pickMin(rows []model.LogRow, files map[int]string, score func(model.LogRow) float64) (*Selection, bool) {
	best := math.Inf(1)
	var chosen *model.LogRow
	for i := range rows {
		if _, haveFile := files[rows[i].Epoch]; !haveFile {
			continue
		}
		s := score(rows[i])
		if math.IsNaN(s) {
			continue
		}
		if s < best {
			best = s
			chosen = &rows[i]
		}
	}
	if chosen == nil {
		return nil, false
	}
	return &Selection{
		Path:           files[chosen.Epoch],
		Epoch:          chosen.Epoch,
		ValidationLoss: chosen.ValidationLoss,
		TrainLoss:      chosen.TrainLoss,
	}, true
}
