//Package driver defines the contract between the engine and device backends,
//and ships the cpu and thyroid (fpga over uart) backends.
package driver

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/AGPFMiner/multiminer/algorithms"
	"github.com/AGPFMiner/multiminer/config"
	"github.com/AGPFMiner/multiminer/types"
)

var (
	//ErrDeviceBusy means the previous batch is still running, retry later
	ErrDeviceBusy = errors.New("device busy")
	//ErrDeviceFault means the device can not take work until it is healthy again
	ErrDeviceFault   = errors.New("device fault")
	ErrUnknownDevice = errors.New("unknown device")
)

//Plugin is one device backend. All methods must be safe for concurrent use
//across different device ids.
type Plugin interface {
	Name() string
	Enumerate(ctx context.Context) ([]types.DeviceDescriptor, error)
	//Assign hands a job to a device. r is nil for full-space devices.
	Assign(deviceID string, job *types.Job, r *types.NonceRange) error
	//PollResults drains the results found since the last call, it never blocks
	PollResults(deviceID string) ([]types.Candidate, error)
	Hashrate(deviceID string) float64
	//Hasher recomputes digests for nonces reported by this backend
	Hasher() algorithms.Hasher
	Close() error
}

//Halter is implemented by backends able to stop searching without a new job
type Halter interface {
	Halt(deviceID string)
}

//HealthChecker is implemented by backends that can probe a faulted device
type HealthChecker interface {
	CheckHealth(ctx context.Context, deviceID string) error
}

//Factory builds a backend from its config section
type Factory func(cfg config.Plugin, logger *zap.Logger) (Plugin, error)

//Factories returns the built in backends by name
func Factories() map[string]Factory {
	return map[string]Factory{
		CPUName:     NewCPU,
		ThyroidName: NewThyroid,
	}
}
