//Package distributor keeps every device busy with the current job. Each device
//gets its own goroutine, partitioned devices draw disjoint nonce ranges from a
//shared cursor.
package distributor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/AGPFMiner/multiminer/config"
	"github.com/AGPFMiner/multiminer/driver"
	"github.com/AGPFMiner/multiminer/jobstore"
	"github.com/AGPFMiner/multiminer/registry"
	"github.com/AGPFMiner/multiminer/types"
)

var ErrNoUsableDevices = errors.New("no usable devices left")

//Sink receives candidates, blocking the calling device when full
type Sink interface {
	Submit(ctx context.Context, c types.Candidate) error
}

//Stats is told about events only the distributor sees
type Stats interface {
	IncNonceExhausted()
}

type Distributor struct {
	cfg    config.Distributor
	logger *zap.Logger
	store  *jobstore.Store
	reg    *registry.Registry
	sink   Sink
	stats  Stats
	cursor *Cursor
	// partitioned devices drawing from cursor
	partitioned int

	fatal chan error

	pauseMu  sync.Mutex
	paused   bool
	pausedAt uint64
}

//New builds a distributor over nonce space space (0 for 2^64)
func New(cfg config.Distributor, logger *zap.Logger, store *jobstore.Store, reg *registry.Registry, sink Sink, stats Stats, space uint64) *Distributor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.FaultRetryBase <= 0 {
		cfg.FaultRetryBase = time.Second
	}
	if cfg.FaultRetryMax < cfg.FaultRetryBase {
		cfg.FaultRetryMax = cfg.FaultRetryBase
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1 << 24
	}
	return &Distributor{
		cfg:    cfg,
		logger: logger.Named("distributor"),
		store:  store,
		reg:    reg,
		sink:   sink,
		stats:  stats,
		cursor: NewCursor(space),
		fatal:  make(chan error, 1),
	}
}

//Pause stops handing out work for the current job. Installing a newer job resumes.
func (d *Distributor) Pause() {
	d.pauseMu.Lock()
	defer d.pauseMu.Unlock()
	if !d.paused {
		d.logger.Warn("Pausing work distribution", zap.Uint64("epoch", d.store.Epoch()))
	}
	d.paused = true
	d.pausedAt = d.store.Epoch()
}

func (d *Distributor) Resume() {
	d.pauseMu.Lock()
	defer d.pauseMu.Unlock()
	d.paused = false
}

//Paused reports whether work for epoch is withheld
func (d *Distributor) Paused(epoch uint64) bool {
	d.pauseMu.Lock()
	defer d.pauseMu.Unlock()
	if d.paused && epoch > d.pausedAt {
		d.paused = false
		d.logger.Info("Resuming work distribution", zap.Uint64("epoch", epoch))
	}
	return d.paused
}

//ActiveAssignments returns what every device is working on
func (d *Distributor) ActiveAssignments() []types.Assignment {
	return d.reg.Assignments()
}

//Run drives every registered device until ctx is done, or returns
//ErrNoUsableDevices once all of them are disabled.
func (d *Distributor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	devices := d.reg.Devices()
	d.partitioned = 0
	for _, desc := range devices {
		if desc.Capability.Mode == types.Partitioned {
			d.partitioned++
		}
	}
	for _, desc := range devices {
		plugin, err := d.reg.Plugin(desc.ID)
		if err != nil {
			return err
		}
		w := &worker{d: d, desc: desc, plugin: plugin, logger: d.logger.With(zap.String("device", desc.ID))}
		g.Go(func() error {
			w.run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		select {
		case err := <-d.fatal:
			return err
		case <-gctx.Done():
			return nil
		}
	})
	return g.Wait()
}

//batchSize never lets one device take more than its share of the nonce space
func (d *Distributor) batchSize(desc types.DeviceDescriptor) uint64 {
	size := d.cfg.BatchSize
	if desc.Capability.BatchSize > 0 {
		size = desc.Capability.BatchSize
	}
	if share := d.cursor.Share(d.partitioned); share > 0 && size > share {
		size = share
	}
	return size
}

func (d *Distributor) backoff(faults int) time.Duration {
	delay := d.cfg.FaultRetryBase
	for i := 1; i < faults; i++ {
		delay *= 2
		if delay >= d.cfg.FaultRetryMax {
			return d.cfg.FaultRetryMax
		}
	}
	return delay
}

func (d *Distributor) checkUsable() {
	if d.reg.Usable() > 0 {
		return
	}
	select {
	case d.fatal <- ErrNoUsableDevices:
	default:
	}
}

type worker struct {
	d      *Distributor
	desc   types.DeviceDescriptor
	plugin driver.Plugin
	logger *zap.Logger

	// epoch of the job the device holds, 0 for none
	assignedEpoch uint64
	pending       *types.NonceRange
	pendingEpoch  uint64
	exhausted     uint64
	halted        bool
}

func (w *worker) run(ctx context.Context) {
	ticker := time.NewTicker(w.d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		state, err := w.d.reg.State(w.desc.ID)
		if err != nil || state.Health == types.Disabled {
			return
		}
		if state.Health == types.Unavailable {
			if !w.recover(ctx, state) {
				return
			}
			continue
		}

		if err := w.collect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.fault(err)
			continue
		}

		snap := w.d.store.Snapshot()
		if err := w.work(snap); err != nil {
			w.fault(err)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-snap.Deprecated():
		case <-ticker.C:
		}
	}
}

func (w *worker) collect(ctx context.Context) error {
	results, err := w.plugin.PollResults(w.desc.ID)
	if err != nil {
		return err
	}
	for _, c := range results {
		c.DeviceID = w.desc.ID
		if err := w.d.sink.Submit(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (w *worker) work(snap *jobstore.Snapshot) error {
	job := snap.Current
	if job == nil {
		return nil
	}
	if w.d.Paused(snap.Epoch) {
		w.halt()
		return nil
	}
	w.halted = false

	if w.desc.Capability.Mode == types.FullSpace {
		if w.assignedEpoch == snap.Epoch {
			return nil
		}
		err := w.plugin.Assign(w.desc.ID, job, nil)
		switch {
		case err == nil:
			w.assigned(job, nil)
		case errors.Is(err, driver.ErrDeviceBusy):
		default:
			return err
		}
		return nil
	}

	if w.pending != nil && w.pendingEpoch != snap.Epoch {
		w.pending = nil
	}
	if w.pending == nil {
		if w.exhausted == snap.Epoch {
			return nil
		}
		r, err := w.d.cursor.Next(snap.Epoch, w.d.batchSize(w.desc))
		switch {
		case errors.Is(err, ErrNonceSpaceExhausted):
			w.exhausted = snap.Epoch
			if w.d.stats != nil {
				w.d.stats.IncNonceExhausted()
			}
			w.logger.Info("Nonce space exhausted, waiting for next job", zap.Uint64("job", job.ID))
			return nil
		case errors.Is(err, ErrStaleEpoch):
			return nil
		}
		w.pending, w.pendingEpoch = &r, snap.Epoch
	}

	err := w.plugin.Assign(w.desc.ID, job, w.pending)
	switch {
	case err == nil:
		w.assigned(job, w.pending)
		w.pending = nil
	case errors.Is(err, driver.ErrDeviceBusy):
	default:
		return err
	}
	return nil
}

func (w *worker) assigned(job *types.Job, r *types.NonceRange) {
	w.assignedEpoch = job.Epoch
	w.d.reg.SetAssignment(w.desc.ID, &types.Assignment{
		DeviceID: w.desc.ID,
		JobID:    job.ID,
		Epoch:    job.Epoch,
		Range:    r,
	})
	w.d.reg.ResetFaults(w.desc.ID)
	w.logger.Debug("Assigned", zap.Uint64("job", job.ID), zap.Uint64("epoch", job.Epoch), zap.Any("range", r))
}

func (w *worker) halt() {
	if w.halted {
		return
	}
	w.halted = true
	w.pending = nil
	w.assignedEpoch = 0
	if h, ok := w.plugin.(driver.Halter); ok {
		h.Halt(w.desc.ID)
	}
	w.d.reg.SetAssignment(w.desc.ID, nil)
}

func (w *worker) fault(err error) {
	w.pending = nil
	w.assignedEpoch = 0
	w.d.reg.MarkUnavailable(w.desc.ID, err)
}

//recover waits out the retry delay, then probes the device. It returns false
//when the worker should exit.
func (w *worker) recover(ctx context.Context, state registry.State) bool {
	if limit := w.d.cfg.MaxFaultRetries; limit > 0 && state.Faults > limit {
		w.d.reg.Disable(w.desc.ID, fmt.Errorf("gave up after %d faults: %w", state.Faults, state.LastError))
		w.d.checkUsable()
		return false
	}
	delay := w.d.backoff(state.Faults)
	w.logger.Debug("Retrying device", zap.Duration("in", delay), zap.Int("faults", state.Faults))
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
	}

	if hc, ok := w.plugin.(driver.HealthChecker); ok {
		if err := hc.CheckHealth(ctx, w.desc.ID); err != nil {
			if ctx.Err() != nil {
				return false
			}
			w.d.reg.MarkUnavailable(w.desc.ID, err)
			return true
		}
	}
	w.d.reg.MarkAvailable(w.desc.ID)
	return true
}
