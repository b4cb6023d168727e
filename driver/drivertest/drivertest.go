//Package drivertest provides a scriptable in-memory device backend for tests.
package drivertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AGPFMiner/multiminer/algorithms"
	"github.com/AGPFMiner/multiminer/config"
	"github.com/AGPFMiner/multiminer/driver"
	"github.com/AGPFMiner/multiminer/types"
)

//Assignment records one accepted Assign call
type Assignment struct {
	DeviceID string
	Job      *types.Job
	Range    *types.NonceRange
	At       time.Time
}

//Plugin is a fake backend. Busy, fault and health behaviour is set per device.
type Plugin struct {
	name   string
	hasher algorithms.Hasher
	descs  []types.DeviceDescriptor

	EnumerateErr error

	mu          sync.Mutex
	assignments []Assignment
	results     map[string][]types.Candidate
	busy        map[string]int
	busyForever map[string]bool
	faults      map[string]error
	health      map[string]error
	rates       map[string]float64
	halted      map[string]int
	closed      bool
}

//New builds a fake plugin exposing count devices of the given mode
func New(name string, hasher algorithms.Hasher, mode types.WorkMode, count int, batch uint64) *Plugin {
	p := &Plugin{
		name:        name,
		hasher:      hasher,
		results:     make(map[string][]types.Candidate),
		busy:        make(map[string]int),
		busyForever: make(map[string]bool),
		faults:      make(map[string]error),
		health:      make(map[string]error),
		rates:       make(map[string]float64),
		halted:      make(map[string]int),
	}
	for i := 0; i < count; i++ {
		p.descs = append(p.descs, types.DeviceDescriptor{
			ID:     types.DeviceID(name, i),
			Plugin: name,
			Name:   fmt.Sprintf("%s fake %d", name, i),
			Capability: types.Capability{
				Mode:      mode,
				Class:     "fake",
				BatchSize: batch,
			},
		})
	}
	return p
}

//Factory returns a driver.Factory always handing out p
func (p *Plugin) Factory() driver.Factory {
	return func(config.Plugin, *zap.Logger) (driver.Plugin, error) {
		return p, nil
	}
}

func (p *Plugin) Name() string {
	return p.name
}

func (p *Plugin) Hasher() algorithms.Hasher {
	return p.hasher
}

func (p *Plugin) Enumerate(ctx context.Context) ([]types.DeviceDescriptor, error) {
	if p.EnumerateErr != nil {
		return nil, p.EnumerateErr
	}
	return p.descs, nil
}

func (p *Plugin) Assign(deviceID string, job *types.Job, r *types.NonceRange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.faults[deviceID]; err != nil {
		return err
	}
	if p.busyForever[deviceID] {
		return driver.ErrDeviceBusy
	}
	if p.busy[deviceID] > 0 {
		p.busy[deviceID]--
		return driver.ErrDeviceBusy
	}
	var rc *types.NonceRange
	if r != nil {
		copied := *r
		rc = &copied
	}
	p.assignments = append(p.assignments, Assignment{DeviceID: deviceID, Job: job, Range: rc, At: time.Now()})
	return nil
}

func (p *Plugin) PollResults(deviceID string) ([]types.Candidate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.faults[deviceID]; err != nil {
		return nil, err
	}
	results := p.results[deviceID]
	delete(p.results, deviceID)
	return results, nil
}

func (p *Plugin) Hashrate(deviceID string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rates[deviceID]
}

func (p *Plugin) Halt(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.halted[deviceID]++
}

func (p *Plugin) CheckHealth(ctx context.Context, deviceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.health[deviceID]
}

func (p *Plugin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

//Push queues a result for the next PollResults of deviceID
func (p *Plugin) Push(cands ...types.Candidate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range cands {
		p.results[c.DeviceID] = append(p.results[c.DeviceID], c)
	}
}

//SetBusy makes the next n Assign calls of deviceID report busy
func (p *Plugin) SetBusy(deviceID string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.busy[deviceID] = n
}

//SetBusyForever keeps deviceID busy until called again with false
func (p *Plugin) SetBusyForever(deviceID string, busy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.busyForever[deviceID] = busy
}

//SetFault makes Assign and PollResults of deviceID fail with err, nil clears it
func (p *Plugin) SetFault(deviceID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[deviceID] = err
}

//SetHealth sets what CheckHealth reports for deviceID
func (p *Plugin) SetHealth(deviceID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health[deviceID] = err
}

func (p *Plugin) SetHashrate(deviceID string, rate float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rates[deviceID] = rate
}

//Assignments returns the accepted assignments of deviceID, all devices if empty
func (p *Plugin) Assignments(deviceID string) []Assignment {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Assignment
	for _, a := range p.assignments {
		if deviceID == "" || a.DeviceID == deviceID {
			out = append(out, a)
		}
	}
	return out
}

func (p *Plugin) Halted(deviceID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halted[deviceID]
}

func (p *Plugin) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
