package driver

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/cpuid/v2"
	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"

	"github.com/AGPFMiner/multiminer/algorithms"
	"github.com/AGPFMiner/multiminer/config"
	"github.com/AGPFMiner/multiminer/target"
	"github.com/AGPFMiner/multiminer/types"
)

const (
	CPUName = "cpu"
	//DefaultWorkload is the number of hashes between two job checks
	DefaultWorkload = 512
	maxPendingResults = 256
)

//CPU searches the whole nonce space with one goroutine per thread
type CPU struct {
	logger      *zap.Logger
	hasher      algorithms.Hasher
	threads     int
	workload    int
	randomNonce bool

	mu      sync.RWMutex
	workers map[string]*cpuWorker
}

type cpuWorker struct {
	id    string
	index int

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	results []types.Candidate
	dropped uint64

	hashes     atomic.Uint64
	lastSample time.Time
	lastHashes uint64
	lastRate   float64
}

func NewCPU(cfg config.Plugin, logger *zap.Logger) (Plugin, error) {
	hasher, err := algorithms.Lookup(cfg.Algo)
	if err != nil {
		return nil, err
	}
	workload := cfg.Workload
	if workload <= 0 {
		workload = DefaultWorkload
	}
	return &CPU{
		logger:      logger.Named(CPUName),
		hasher:      hasher,
		threads:     cfg.Threads,
		workload:    workload,
		randomNonce: cfg.RandomNonce,
		workers:     make(map[string]*cpuWorker),
	}, nil
}

func (c *CPU) Name() string {
	return CPUName
}

func (c *CPU) Hasher() algorithms.Hasher {
	return c.hasher
}

func cpuFeatures() (features []string) {
	for _, f := range []struct {
		id   cpuid.FeatureID
		name string
	}{
		{cpuid.SSE4, "sse4.1"},
		{cpuid.AVX, "avx"},
		{cpuid.AVX2, "avx2"},
		{cpuid.AVX512F, "avx512f"},
		{cpuid.SHA, "sha"},
	} {
		if cpuid.CPU.Supports(f.id) {
			features = append(features, f.name)
		}
	}
	return
}

//Enumerate exposes one device per thread, all logical cores unless threads is set
func (c *CPU) Enumerate(ctx context.Context) ([]types.DeviceDescriptor, error) {
	threads := c.threads
	if threads <= 0 {
		n, err := cpu.CountsWithContext(ctx, true)
		if err != nil || n <= 0 {
			c.logger.Warn("cpu count failed, falling back to runtime", zap.Error(err))
			n = runtime.NumCPU()
		}
		threads = n
	}
	brand := cpuid.CPU.BrandName
	if brand == "" {
		brand = runtime.GOARCH
	}
	features := cpuFeatures()

	c.mu.Lock()
	defer c.mu.Unlock()
	descs := make([]types.DeviceDescriptor, 0, threads)
	for i := 0; i < threads; i++ {
		id := types.DeviceID(CPUName, i)
		c.workers[id] = &cpuWorker{id: id, index: i, lastSample: time.Now()}
		descs = append(descs, types.DeviceDescriptor{
			ID:     id,
			Plugin: CPUName,
			Name:   fmt.Sprintf("%s thread %d", brand, i),
			Capability: types.Capability{
				Mode:     types.FullSpace,
				Class:    brand,
				Features: features,
			},
		})
	}
	c.logger.Info("Enumerated", zap.Int("threads", threads), zap.Strings("features", features))
	return descs, nil
}

func (c *CPU) worker(deviceID string) (*cpuWorker, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.workers[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return w, nil
}

//Assign replaces whatever the thread was searching, full-space devices are never busy
func (c *CPU) Assign(deviceID string, job *types.Job, _ *types.NonceRange) error {
	w, err := c.worker(deviceID)
	if err != nil {
		return err
	}
	w.stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w.mu.Lock()
	w.cancel, w.done = cancel, done
	w.mu.Unlock()

	go func() {
		defer close(done)
		c.search(ctx, w, job)
	}()
	return nil
}

func (c *CPU) startNonce(w *cpuWorker, mask uint64) uint64 {
	if c.randomNonce {
		return rand.Uint64() & mask
	}
	stride := mask/uint64(c.threadCount()) + 1
	return uint64(w.index) * stride & mask
}

func (c *CPU) threadCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.workers) == 0 {
		return 1
	}
	return len(c.workers)
}

func (c *CPU) search(ctx context.Context, w *cpuWorker, job *types.Job) {
	mask := ^uint64(0)
	if space := algorithms.NonceSpace(c.hasher); space != 0 {
		mask = space - 1
	}
	nonce := c.startNonce(w, mask)
	c.logger.Debug("Searching", zap.String("device", w.id), zap.Uint64("job", job.ID), zap.Uint64("start", nonce))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		for i := 0; i < c.workload; i++ {
			digest := c.hasher.Hash(job.Header, nonce)
			if target.Meets(digest, job.Target) {
				w.push(types.Candidate{DeviceID: w.id, JobID: job.ID, Nonce: nonce, Hash: digest})
			}
			nonce = (nonce + 1) & mask
		}
		w.hashes.Add(uint64(c.workload))
	}
}

func (w *cpuWorker) push(cand types.Candidate) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.results) >= maxPendingResults {
		w.dropped++
		return
	}
	w.results = append(w.results, cand)
}

func (w *cpuWorker) stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *CPU) PollResults(deviceID string) ([]types.Candidate, error) {
	w, err := c.worker(deviceID)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	results := w.results
	w.results = nil
	return results, nil
}

//Hashrate is hashes per second since the previous call, sampled at most once a second
func (c *CPU) Hashrate(deviceID string) float64 {
	w, err := c.worker(deviceID)
	if err != nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(w.lastSample)
	if elapsed < time.Second {
		return w.lastRate
	}
	hashes := w.hashes.Load()
	w.lastRate = float64(hashes-w.lastHashes) / elapsed.Seconds()
	w.lastHashes, w.lastSample = hashes, now
	return w.lastRate
}

func (c *CPU) Halt(deviceID string) {
	if w, err := c.worker(deviceID); err == nil {
		w.stop()
	}
}

func (c *CPU) Close() error {
	c.mu.RLock()
	workers := make([]*cpuWorker, 0, len(c.workers))
	for _, w := range c.workers {
		workers = append(workers, w)
	}
	c.mu.RUnlock()
	for _, w := range workers {
		w.stop()
	}
	return nil
}
