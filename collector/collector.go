//Package collector validates device results and turns them into shares.
package collector

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/AGPFMiner/multiminer/algorithms"
	"github.com/AGPFMiner/multiminer/config"
	"github.com/AGPFMiner/multiminer/jobstore"
	"github.com/AGPFMiner/multiminer/target"
	"github.com/AGPFMiner/multiminer/types"
)

var ErrIntakeFull = errors.New("result intake is full")

const (
	ReasonHashMismatch  = "hash_mismatch"
	ReasonBelowTarget   = "below_target"
	ReasonUnknownDevice = "unknown_device"
)

//ShareSink takes accepted shares, normally the upstream client
type ShareSink interface {
	SubmitShare(ctx context.Context, share types.Share) error
}

//Hashers resolves the verifier of a device
type Hashers interface {
	Hasher(deviceID string) (algorithms.Hasher, error)
}

//Stats records the verdict of every candidate
type Stats interface {
	Record(deviceID string, v types.Verdict)
}

type seenKey struct {
	job, nonce uint64
}

type Collector struct {
	cfg     config.Collector
	logger  *zap.Logger
	store   *jobstore.Store
	hashers Hashers
	sink    ShareSink
	stats   Stats

	intake chan types.Candidate

	mu       sync.Mutex // dedup and per device invalid streaks
	seen     *lru.Cache
	invalids map[string]int
}

func New(cfg config.Collector, logger *zap.Logger, store *jobstore.Store, hashers Hashers, sink ShareSink, stats Stats) (*Collector, error) {
	if cfg.IntakeSize <= 0 {
		cfg.IntakeSize = 1024
	}
	if cfg.SeenSize <= 0 {
		cfg.SeenSize = 4096
	}
	if cfg.InvalidWarnThreshold <= 0 {
		cfg.InvalidWarnThreshold = 5
	}
	seen, err := lru.New(cfg.SeenSize)
	if err != nil {
		return nil, err
	}
	return &Collector{
		cfg:      cfg,
		logger:   logger.Named("collector"),
		store:    store,
		hashers:  hashers,
		sink:     sink,
		stats:    stats,
		intake:   make(chan types.Candidate, cfg.IntakeSize),
		seen:     seen,
		invalids: make(map[string]int),
	}, nil
}

//Submit queues a candidate, blocking only the caller while the intake is full
func (c *Collector) Submit(ctx context.Context, cand types.Candidate) error {
	select {
	case c.intake <- cand:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

//TrySubmit queues a candidate or drops it when the intake is full
func (c *Collector) TrySubmit(cand types.Candidate) error {
	select {
	case c.intake <- cand:
		return nil
	default:
		c.record(cand.DeviceID, types.Dropped)
		c.logger.Warn("Result dropped", zap.String("device", cand.DeviceID), zap.Uint64("job", cand.JobID))
		return ErrIntakeFull
	}
}

//Pending is the number of queued candidates
func (c *Collector) Pending() int {
	return len(c.intake)
}

//Run consumes the intake until ctx is done
func (c *Collector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cand := <-c.intake:
			c.Process(ctx, cand)
		}
	}
}

//Drain processes what is left in the intake, giving up after timeout. It
//returns the number of candidates left behind.
func (c *Collector) Drain(timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			left := len(c.intake)
			if left > 0 {
				c.logger.Warn("Drain timed out", zap.Int("left", left))
			}
			return left
		case cand := <-c.intake:
			c.Process(ctx, cand)
		default:
			return 0
		}
	}
}

//Process validates one candidate and forwards it as a share when it holds up
func (c *Collector) Process(ctx context.Context, cand types.Candidate) types.Verdict {
	logger := c.logger.With(zap.String("device", cand.DeviceID), zap.Uint64("job", cand.JobID), zap.Uint64("nonce", cand.Nonce))

	job, ok := c.store.Lookup(cand.JobID)
	if !ok {
		logger.Debug("Stale result")
		c.record(cand.DeviceID, types.Stale)
		return types.Stale
	}

	hasher, err := c.hashers.Hasher(cand.DeviceID)
	if err != nil {
		return c.invalid(logger, cand.DeviceID, ReasonUnknownDevice)
	}
	digest := hasher.Hash(job.Header, cand.Nonce)
	if len(cand.Hash) > 0 && !bytes.Equal(cand.Hash, digest) {
		return c.invalid(logger, cand.DeviceID, ReasonHashMismatch)
	}
	if !target.Meets(digest, job.Target) {
		return c.invalid(logger, cand.DeviceID, ReasonBelowTarget)
	}

	share, fresh := c.admit(job, cand, digest)
	if !fresh {
		logger.Debug("Duplicate result")
		c.record(cand.DeviceID, types.Duplicate)
		return types.Duplicate
	}
	c.record(cand.DeviceID, types.Accepted)
	logger.Info("Share found", zap.String("share", share.ID))
	if err := c.sink.SubmitShare(ctx, share); err != nil {
		logger.Warn("Share not handed upstream", zap.String("share", share.ID), zap.Error(err))
	}
	return types.Accepted
}

//admit registers (job, nonce) and builds the share, atomically per key
func (c *Collector) admit(job *types.Job, cand types.Candidate, digest []byte) (types.Share, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalids[cand.DeviceID] = 0
	if found, _ := c.seen.ContainsOrAdd(seenKey{job: job.ID, nonce: cand.Nonce}, struct{}{}); found {
		return types.Share{}, false
	}
	return types.Share{
		ID:          uuid.NewString(),
		JobID:       job.ID,
		UpstreamID:  job.UpstreamID,
		Nonce:       cand.Nonce,
		Hash:        digest,
		DeviceID:    cand.DeviceID,
		SubmittedAt: time.Now(),
		Context:     job.Context,
	}, true
}

func (c *Collector) invalid(logger *zap.Logger, deviceID, reason string) types.Verdict {
	c.mu.Lock()
	c.invalids[deviceID]++
	streak := c.invalids[deviceID]
	c.mu.Unlock()

	c.record(deviceID, types.Invalid)
	if streak >= c.cfg.InvalidWarnThreshold {
		logger.Warn("Device keeps reporting invalid results", zap.String("reason", reason), zap.Int("streak", streak))
	} else {
		logger.Debug("Invalid result", zap.String("reason", reason))
	}
	return types.Invalid
}

//InvalidStreak returns the consecutive invalid results of a device
func (c *Collector) InvalidStreak(deviceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalids[deviceID]
}

func (c *Collector) record(deviceID string, v types.Verdict) {
	if c.stats != nil {
		c.stats.Record(deviceID, v)
	}
}
