package snapshot

import (
	"meshnet/internal/model"
	"meshnet/internal/network"
	"meshnet/internal/optim"
	"meshnet/internal/settings"
)

// Restore loads checkpoint weights into the network. Optimizer state is
// restored only when continuing the same run; a pretrained model feeds a
// fresh optimizer.
func Restore(net *network.Network, opt optim.Optimizer, cp *model.Checkpoint, withOptimizer bool) error {
	if err := net.LoadState(cp.ModelState); err != nil {
		return err
	}
	if withOptimizer && opt != nil && len(cp.OptimizerState) > 0 {
		return opt.LoadState(cp.OptimizerState)
	}
	return nil
}

// Reconcile resolves the restart/pretrain directories of the given settings.
//
// A restart adopts the stored run's whole settings, keeping only the caller's
// output and restart paths. A pretrain keeps the caller's settings and adopts
// only the stored model section. Setting both is rejected.
func Reconcile(current *settings.Main) (*settings.Main, error) {
	restart := current.Trainer.RestartDirectory
	pretrain := current.Trainer.PretrainDirectory
	if restart != "" && pretrain != "" {
		return nil, settings.ErrRestartPretrain
	}
	switch {
	case restart != "":
		path, err := settings.FindIn(restart)
		if err != nil {
			return nil, err
		}
		loaded, err := settings.Load(path)
		if err != nil {
			return nil, err
		}
		loaded.Trainer.OutputDirectory = current.Trainer.OutputDirectory
		loaded.Trainer.RestartDirectory = restart
		loaded.Trainer.PretrainDirectory = ""
		return loaded, nil
	case pretrain != "":
		path, err := settings.FindIn(pretrain)
		if err != nil {
			return nil, err
		}
		loaded, err := settings.Load(path)
		if err != nil {
			return nil, err
		}
		merged := *current
		merged.Model = loaded.Model
		return &merged, nil
	default:
		return current, nil
	}
}
