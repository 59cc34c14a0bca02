package trainer

import (
	"errors"
	"fmt"

	"meshnet/internal/settings"
)

var ErrNoGPU = errors.New("GPU is not available")

// DeviceProbe reports the accelerator capability of the host. Injected so
// placement rules stay testable on machines without accelerators.
type DeviceProbe interface {
	GPUCount() int
}

// NoGPU is the default probe for CPU-only hosts.
type NoGPU struct{}

func (NoGPU) GPUCount() int { return 0 }

// DeviceTopology is the resolved placement of one run.
type DeviceTopology struct {
	GPUID         int
	GPUCount      int
	DataParallel  bool
	ModelParallel bool
}

func (d DeviceTopology) String() string {
	switch {
	case d.DataParallel:
		return fmt.Sprintf("data_parallel(%d)", d.GPUCount)
	case d.ModelParallel:
		return fmt.Sprintf("model_parallel(%d)", d.GPUCount)
	case d.GPUID >= 0:
		return fmt.Sprintf("gpu(%d)", d.GPUID)
	default:
		return "cpu"
	}
}

// ResolveDevices validates the requested placement against the probe.
func ResolveDevices(t *settings.Trainer, probe DeviceProbe) (DeviceTopology, error) {
	if probe == nil {
		probe = NoGPU{}
	}
	count := probe.GPUCount()
	topo := DeviceTopology{
		GPUID:         t.GPUID,
		GPUCount:      count,
		DataParallel:  t.DataParallel,
		ModelParallel: t.ModelParallel,
	}
	if t.GPUID >= 0 && count == 0 {
		return DeviceTopology{}, fmt.Errorf("gpu_id %d requested but %w", t.GPUID, ErrNoGPU)
	}
	if t.GPUID >= count && t.GPUID >= 0 {
		return DeviceTopology{}, fmt.Errorf("gpu_id %d requested with %d devices: %w", t.GPUID, count, ErrNoGPU)
	}
	if (t.DataParallel || t.ModelParallel) && count < 2 {
		return DeviceTopology{}, fmt.Errorf("parallel placement needs at least 2 devices, have %d: %w", count, ErrNoGPU)
	}
	return topo, nil
}
