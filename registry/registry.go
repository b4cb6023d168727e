//Package registry loads the configured device backends and tracks the health
//and assignment of every device they expose.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/AGPFMiner/multiminer/algorithms"
	"github.com/AGPFMiner/multiminer/config"
	"github.com/AGPFMiner/multiminer/driver"
	"github.com/AGPFMiner/multiminer/types"
)

var (
	ErrNoDevices     = errors.New("no usable devices")
	ErrUnknownPlugin = errors.New("unknown plugin")
)

//Device is the registry view of one device. The descriptor and plugin never change.
type Device struct {
	Descriptor types.DeviceDescriptor
	Plugin     driver.Plugin

	health     types.Health
	assignment *types.Assignment
	hashrate   float64
	lastError  error
	faults     int
}

//State is a copy of the mutable part of a device
type State struct {
	Health     types.Health
	Assignment *types.Assignment
	Hashrate   float64
	LastError  error
	Faults     int
}

type Registry struct {
	logger     *zap.Logger
	baseLogger *zap.Logger

	plugins []driver.Plugin
	order   []string

	mu      sync.RWMutex // protects device state
	devices map[string]*Device
}

func New(logger *zap.Logger) *Registry {
	return &Registry{
		logger:     logger.Named("registry"),
		baseLogger: logger,
		devices:    make(map[string]*Device),
	}
}

//Load instantiates every enabled plugin and enumerates its devices. A plugin
//failing to start is skipped, only an empty registry is an error.
func (r *Registry) Load(ctx context.Context, factories map[string]driver.Factory, cfgs []config.Plugin) error {
	var result *multierror.Error
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			r.logger.Debug("Plugin disabled", zap.String("plugin", cfg.Name))
			continue
		}
		factory, ok := factories[cfg.Name]
		if !ok {
			err := fmt.Errorf("%w: %s", ErrUnknownPlugin, cfg.Name)
			r.logger.Warn("Plugin skipped", zap.Error(err))
			result = multierror.Append(result, err)
			continue
		}
		plugin, err := factory(cfg, r.baseLogger)
		if err != nil {
			r.logger.Warn("Plugin init failed", zap.String("plugin", cfg.Name), zap.Error(err))
			result = multierror.Append(result, fmt.Errorf("%s: %w", cfg.Name, err))
			continue
		}
		if err := r.Add(ctx, plugin); err != nil {
			r.logger.Warn("Plugin enumeration failed", zap.String("plugin", cfg.Name), zap.Error(err))
			result = multierror.Append(result, fmt.Errorf("%s: %w", cfg.Name, err))
			plugin.Close()
			continue
		}
	}
	if len(r.order) == 0 {
		if err := result.ErrorOrNil(); err != nil {
			return fmt.Errorf("%w: %v", ErrNoDevices, err)
		}
		return ErrNoDevices
	}
	if err := result.ErrorOrNil(); err != nil {
		r.logger.Warn("Some plugins unavailable", zap.Error(err))
	}
	return nil
}

//Add enumerates a ready plugin and registers its devices
func (r *Registry) Add(ctx context.Context, plugin driver.Plugin) error {
	descs, err := plugin.Enumerate(ctx)
	if err != nil {
		return err
	}
	if len(descs) == 0 {
		return fmt.Errorf("%s: no devices found", plugin.Name())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, desc := range descs {
		if _, dup := r.devices[desc.ID]; dup {
			return fmt.Errorf("duplicate device id %s", desc.ID)
		}
	}
	for _, desc := range descs {
		r.devices[desc.ID] = &Device{Descriptor: desc, Plugin: plugin, health: types.Available}
		r.order = append(r.order, desc.ID)
		r.logger.Info("Device registered",
			zap.String("device", desc.ID),
			zap.String("name", desc.Name),
			zap.Stringer("mode", desc.Capability.Mode))
	}
	r.plugins = append(r.plugins, plugin)
	return nil
}

//Devices lists every descriptor in registration order
func (r *Registry) Devices() []types.DeviceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descs := make([]types.DeviceDescriptor, 0, len(r.order))
	for _, id := range r.order {
		descs = append(descs, r.devices[id].Descriptor)
	}
	return descs
}

func (r *Registry) device(id string) (*Device, error) {
	d, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", driver.ErrUnknownDevice, id)
	}
	return d, nil
}

func (r *Registry) Plugin(id string) (driver.Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, err := r.device(id)
	if err != nil {
		return nil, err
	}
	return d.Plugin, nil
}

//Hasher returns the verifier of the family the device belongs to
func (r *Registry) Hasher(id string) (algorithms.Hasher, error) {
	p, err := r.Plugin(id)
	if err != nil {
		return nil, err
	}
	return p.Hasher(), nil
}

func (r *Registry) State(id string) (State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, err := r.device(id)
	if err != nil {
		return State{}, err
	}
	return State{
		Health:     d.health,
		Assignment: d.assignment,
		Hashrate:   d.hashrate,
		LastError:  d.lastError,
		Faults:     d.faults,
	}, nil
}

//MarkUnavailable excludes a device from work until MarkAvailable
func (r *Registry) MarkUnavailable(id string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, err := r.device(id)
	if err != nil || d.health == types.Disabled {
		return
	}
	d.health = types.Unavailable
	d.assignment = nil
	d.lastError = cause
	d.faults++
	r.logger.Warn("Device unavailable", zap.String("device", id), zap.Int("faults", d.faults), zap.Error(cause))
}

func (r *Registry) MarkAvailable(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, err := r.device(id)
	if err != nil || d.health == types.Disabled {
		return
	}
	if d.health != types.Available {
		r.logger.Info("Device available", zap.String("device", id))
	}
	d.health = types.Available
}

//Disable removes a device for the rest of the process lifetime
func (r *Registry) Disable(id string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, err := r.device(id)
	if err != nil {
		return
	}
	d.health = types.Disabled
	d.assignment = nil
	if cause != nil {
		d.lastError = cause
	}
	r.logger.Error("Device disabled", zap.String("device", id), zap.Error(d.lastError))
}

//ResetFaults clears the fault count once a device has taken work again
func (r *Registry) ResetFaults(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, err := r.device(id); err == nil {
		d.faults = 0
	}
}

func (r *Registry) SetAssignment(id string, a *types.Assignment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, err := r.device(id); err == nil {
		d.assignment = a
	}
}

func (r *Registry) RecordHashrate(id string, rate float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, err := r.device(id); err == nil {
		d.hashrate = rate
	}
}

//PollHashrates asks every non disabled device for its hashrate and records it
func (r *Registry) PollHashrates() map[string]float64 {
	r.mu.RLock()
	devices := make([]*Device, 0, len(r.order))
	for _, id := range r.order {
		if d := r.devices[id]; d.health != types.Disabled {
			devices = append(devices, d)
		}
	}
	r.mu.RUnlock()

	rates := make(map[string]float64, len(devices))
	for _, d := range devices {
		rates[d.Descriptor.ID] = d.Plugin.Hashrate(d.Descriptor.ID)
	}
	r.mu.Lock()
	for id, rate := range rates {
		r.devices[id].hashrate = rate
	}
	r.mu.Unlock()
	return rates
}

//Usable counts devices that are available or may recover
func (r *Registry) Usable() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, d := range r.devices {
		if d.health != types.Disabled {
			n++
		}
	}
	return n
}

//Available counts devices currently accepting work
func (r *Registry) Available() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, d := range r.devices {
		if d.health == types.Available {
			n++
		}
	}
	return n
}

//Assignments returns the active assignments sorted by device id
func (r *Registry) Assignments() []types.Assignment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.Assignment
	for _, d := range r.devices {
		if d.assignment != nil {
			out = append(out, *d.assignment)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

//Close shuts every plugin down, giving up after timeout
func (r *Registry) Close(timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		var result *multierror.Error
		for _, p := range r.plugins {
			if err := p.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", p.Name(), err))
			}
		}
		done <- result.ErrorOrNil()
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("closing plugins: %w", context.DeadlineExceeded)
	}
}
