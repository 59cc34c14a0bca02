package trainer

// Pruner decides whether a run should stop early based on intermediate
// scores. Scores are negated validation losses, so larger is better. Report
// returns true when the run should be pruned.
type Pruner interface {
	Report(epoch int, score float64) bool
}

// ThresholdPruner prunes once the score stays under its floor for Strikes
// consecutive reports.
type ThresholdPruner struct {
	Floor   float64
	Strikes int

	misses int
}

func (p *ThresholdPruner) Report(_ int, score float64) bool {
	if score >= p.Floor {
		p.misses = 0
		return false
	}
	p.misses++
	if p.Strikes <= 0 {
		return p.misses > 0
	}
	return p.misses >= p.Strikes
}
