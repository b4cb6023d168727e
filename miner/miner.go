//Package miner wires the job store, devices, collector and upstream client into one engine.
package miner

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/AGPFMiner/multiminer/algorithms"
	"github.com/AGPFMiner/multiminer/clients"
	"github.com/AGPFMiner/multiminer/clients/stratum"
	"github.com/AGPFMiner/multiminer/collector"
	"github.com/AGPFMiner/multiminer/config"
	"github.com/AGPFMiner/multiminer/distributor"
	"github.com/AGPFMiner/multiminer/driver"
	"github.com/AGPFMiner/multiminer/jobstore"
	"github.com/AGPFMiner/multiminer/registry"
	"github.com/AGPFMiner/multiminer/statistics"
	"github.com/AGPFMiner/multiminer/types"
)

const sampleInterval = time.Second

//Option customizes a Miner
type Option func(*Miner)

//WithFactories replaces the built in device backends
func WithFactories(factories map[string]driver.Factory) Option {
	return func(m *Miner) { m.factories = factories }
}

//WithDialer replaces the stratum transport
func WithDialer(dialer clients.Dialer) Option {
	return func(m *Miner) { m.dialer = dialer }
}

//WithLevelSetter lets Reload change the log level
func WithLevelSetter(set func(level string)) Option {
	return func(m *Miner) { m.setLevel = set }
}

//Miner do everything
type Miner struct {
	cfg       *config.Config
	logger    *zap.Logger
	factories map[string]driver.Factory
	dialer    clients.Dialer
	setLevel  func(string)

	store       *jobstore.Store
	registry    *registry.Registry
	metrics     *prometheus.Registry
	stats       *statistics.Aggregator
	collector   *collector.Collector
	distributor *distributor.Distributor
	client      *clients.BaseClient

	stateChanges chan types.PoolConnectionStates

	mutex   sync.Mutex // protects following
	running bool
	started time.Time
}

func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Miner, error) {
	pool := cfg.ActivePool()
	hasher, err := algorithms.Lookup(pool.Algo)
	if err != nil {
		return nil, err
	}

	m := &Miner{
		cfg:          cfg,
		logger:       logger.Named("miner"),
		factories:    driver.Factories(),
		store:        jobstore.New(cfg.JobWindow),
		registry:     registry.New(logger),
		metrics:      prometheus.NewRegistry(),
		stateChanges: make(chan types.PoolConnectionStates, 16),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dialer == nil {
		m.dialer = stratum.NewDialer(pool, cfg.Upstream.UserAgent, logger)
	}

	m.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m.stats = statistics.NewAggregator(m.metrics)

	m.client = clients.New(cfg.Upstream, pool, m.dialer, logger, m.onJob, m.store.IsAcceptable, m.stats)
	m.client.OnStateChange(func(s types.PoolConnectionStates) {
		select {
		case m.stateChanges <- s:
		default:
		}
	})

	m.collector, err = collector.New(cfg.Collector, logger, m.store, m.registry, m.client, m.stats)
	if err != nil {
		return nil, err
	}
	m.distributor = distributor.New(cfg.Distributor, logger, m.store, m.registry, m.collector, m.stats, algorithms.NonceSpace(hasher))
	return m, nil
}

func (m *Miner) onJob(job types.Job) {
	installed := m.store.Install(job)
	m.logger.Info("Job installed",
		zap.Uint64("job", installed.ID),
		zap.Uint64("epoch", installed.Epoch),
		zap.String("upstreamjob", installed.UpstreamID),
		zap.Float64("difficulty", installed.Difficulty))
}

//Run starts devices and the upstream connection and blocks until ctx is done
//or a fatal condition occurs. Shutdown drains pending results and closes the
//devices within ShutdownTimeout.
func (m *Miner) Run(ctx context.Context) error {
	if err := m.registry.Load(ctx, m.factories, m.cfg.Plugins); err != nil {
		return err
	}
	m.mutex.Lock()
	m.running, m.started = true, time.Now()
	m.mutex.Unlock()
	m.logger.Info("Miner started",
		zap.Int("devices", len(m.registry.Devices())),
		zap.String("pool", m.cfg.ActivePool().URL),
		zap.String("algo", m.cfg.ActivePool().Algo))

	upCtx, stopUpstream := context.WithCancel(context.Background())
	defer stopUpstream()
	upDone := make(chan error, 1)
	go func() { upDone <- m.client.Run(upCtx) }()
	upstreamReturned := false

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.distributor.Run(gctx) })
	g.Go(func() error { return m.collector.Run(gctx) })
	g.Go(func() error { return m.stats.Run(gctx, m.registry, sampleInterval) })
	g.Go(func() error { return m.watchStale(gctx) })
	g.Go(func() error {
		select {
		case err := <-upDone:
			upstreamReturned = true
			return err
		case <-gctx.Done():
			return nil
		}
	})
	if m.cfg.API.Enable {
		g.Go(func() error { return m.serveAPI(gctx) })
	}
	err := g.Wait()
	if err != nil {
		m.logger.Error("Miner stopping", zap.Error(err))
	} else {
		m.logger.Info("Miner stopping")
	}

	m.mutex.Lock()
	m.running = false
	m.mutex.Unlock()

	if left := m.collector.Drain(m.cfg.ShutdownTimeout); left > 0 {
		m.logger.Warn("Results lost at shutdown", zap.Int("count", left))
	}
	if left := m.client.Settle(m.cfg.ShutdownTimeout); left > 0 {
		m.logger.Warn("Shares unsent at shutdown", zap.Int("count", left))
	}
	stopUpstream()
	if !upstreamReturned {
		select {
		case <-upDone:
		case <-time.After(m.cfg.ShutdownTimeout):
			m.logger.Warn("Upstream did not stop in time")
		}
	}
	if cerr := m.registry.Close(m.cfg.ShutdownTimeout); cerr != nil {
		m.logger.Warn("Closing devices", zap.Error(cerr))
	}
	return err
}

//watchStale pauses distribution when the pool stays away longer than StaleAfter
func (m *Miner) watchStale(ctx context.Context) error {
	if m.cfg.Upstream.StalePolicy != config.StalePause {
		<-ctx.Done()
		return nil
	}
	var timer *time.Timer
	var expired <-chan time.Time
	stop := func() {
		if timer != nil {
			timer.Stop()
		}
		timer, expired = nil, nil
	}
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-m.stateChanges:
			switch {
			case s == types.Streaming:
				stop()
			case s == types.Disconnected && timer == nil:
				timer = time.NewTimer(m.cfg.Upstream.StaleAfter)
				expired = timer.C
			}
		case <-expired:
			timer, expired = nil, nil
			if m.client.State() != types.Streaming {
				m.logger.Warn("Pool unreachable, work is stale", zap.Duration("after", m.cfg.Upstream.StaleAfter))
				m.distributor.Pause()
			}
		}
	}
}

//Reload applies what can change without a restart
func (m *Miner) Reload(cfg *config.Config) {
	if m.setLevel != nil {
		m.setLevel(cfg.Log.Level)
	}
	if !reflect.DeepEqual(cfg.Pools, m.cfg.Pools) || !reflect.DeepEqual(cfg.Plugins, m.cfg.Plugins) {
		m.logger.Warn("Pool or plugin changes take effect after a restart")
	}
}

//Pause withholds work until the next job arrives
func (m *Miner) Pause() {
	m.distributor.Pause()
}

func (m *Miner) Resume() {
	m.distributor.Resume()
}

func (m *Miner) Running() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.running
}

func hardwareState(h types.Health) types.HardwareStats {
	switch h {
	case types.Available:
		return types.Running
	case types.Unavailable:
		return types.NoResponse
	}
	return types.Stopped
}

//Devices reports every registered device
func (m *Miner) Devices() []*types.DriverStates {
	snap := m.stats.Snapshot()
	algo := m.cfg.ActivePool().Algo
	var devs []*types.DriverStates
	for _, desc := range m.registry.Devices() {
		state, err := m.registry.State(desc.ID)
		if err != nil {
			continue
		}
		rate := snap.PerDevice[desc.ID]
		ds := &types.DriverStates{
			DeviceID:   desc.ID,
			DriverName: desc.Plugin,
			Status:     hardwareState(state.Health),
			Health:     state.Health.String(),
			Hashrate:   [3]float64{rate.OneMin, rate.FiveMin, rate.OneHour},
			Valid:      rate.Valid,
			Invalid:    rate.Invalid,
			Algo:       algo,
		}
		if state.LastError != nil {
			ds.LastError = state.LastError.Error()
		}
		devs = append(devs, ds)
	}
	return devs
}

//Status is the full picture served by the API
func (m *Miner) Status() *types.Status {
	pool := m.client.Stats()
	running := m.Running()
	return &types.Status{
		Status: &types.MinerStatus{
			Devs:      m.Devices(),
			Pools:     []*types.PoolStates{&pool},
			MinerUp:   running,
			MinerDown: !running,
			Stats:     m.stats.Snapshot(),
			Epoch:     m.store.Epoch(),
			Time:      time.Now().Unix(),
		},
	}
}
