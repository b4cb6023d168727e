//Package clients keeps a connection to the work provider alive and moves jobs
//in and shares out. Concrete transports live in subpackages.
package clients

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/AGPFMiner/multiminer/config"
	"github.com/AGPFMiner/multiminer/types"
)

var (
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrNotConnected        = errors.New("not connected to upstream")
	//ErrShareRejected is wrapped by sessions when the pool refuses a share
	ErrShareRejected = errors.New("share rejected")
)

//Session is one subscribed connection to the work provider
type Session interface {
	//Run hands every job the provider announces to jobs and blocks until the connection ends
	Run(ctx context.Context, jobs func(types.Job)) error
	Submit(ctx context.Context, share types.Share) error
	Close() error
}

//Dialer opens a subscribed and authorized session
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

//Events is told about share submissions
type Events interface {
	IncSubmitted()
	IncSubmitFailed()
	IncShareQueueDropped()
}

//StateChangeCall is run on every connection state transition
type StateChangeCall func(state types.PoolConnectionStates)

// Client defines the interface for a client towards a work provider
type Client interface {
	Run(ctx context.Context) error
	SubmitShare(ctx context.Context, share types.Share) error
	State() types.PoolConnectionStates
	Stats() types.PoolStates
	OnStateChange(call StateChangeCall)
}

//BaseClient implements the reconnecting state machine over any Dialer
type BaseClient struct {
	cfg        config.Upstream
	pool       types.Pool
	dialer     Dialer
	logger     *zap.Logger
	onJob      func(types.Job)
	acceptable func(jobID uint64) bool
	events     Events

	seq  atomic.Uint64
	wake chan struct{}

	mutex      sync.Mutex // protects following
	state      types.PoolConnectionStates
	queue      []types.Share
	calls      []StateChangeCall
	streamed   bool
	accept     uint64
	reject     uint64
	discard    uint64
	reconnects uint64
	difficulty float64
	lastAccept int64
}

//New builds a client. onJob receives every job with a fresh local id,
//acceptable decides which queued shares are still worth sending after a reconnect.
func New(cfg config.Upstream, pool types.Pool, dialer Dialer, logger *zap.Logger, onJob func(types.Job), acceptable func(uint64) bool, events Events) *BaseClient {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 2
	}
	return &BaseClient{
		cfg:        cfg,
		pool:       pool,
		dialer:     dialer,
		logger:     logger.Named("upstream").With(zap.String("pool", pool.URL)),
		onJob:      onJob,
		acceptable: acceptable,
		events:     events,
		state:      types.Disconnected,
		wake:       make(chan struct{}, 1),
	}
}

//OnStateChange registers call for every following state transition
func (c *BaseClient) OnStateChange(call StateChangeCall) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.calls = append(c.calls, call)
}

func (c *BaseClient) State() types.PoolConnectionStates {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state
}

func (c *BaseClient) Stats() (info types.PoolStates) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	info.Status = c.state
	info.User = c.pool.User
	info.PoolAddr = c.pool.URL
	info.Algo = c.pool.Algo
	info.Accept, info.Reject, info.Discard = c.accept, c.reject, c.discard
	info.Queued = len(c.queue)
	info.Reconnects = c.reconnects
	info.Diff = c.difficulty
	info.LastAccepted = c.lastAccept
	info.Active = true
	return
}

func (c *BaseClient) setState(state types.PoolConnectionStates) {
	c.mutex.Lock()
	if c.state == state {
		c.mutex.Unlock()
		return
	}
	c.state = state
	calls := append([]StateChangeCall(nil), c.calls...)
	c.mutex.Unlock()

	c.logger.Info("Pool connection state", zap.Stringer("state", state))
	for _, call := range calls {
		call(state)
	}
}

//Backoff is the delay before reconnect attempt n, n starting at 1
func (c *BaseClient) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := float64(c.cfg.BackoffBase) * math.Pow(c.cfg.BackoffMultiplier, float64(n-1))
	delay = math.Min(delay, float64(c.cfg.BackoffMax))
	// up to 10% jitter
	delay += delay * 0.1 * rand.Float64()
	return time.Duration(delay)
}

//Run keeps a session open until ctx is done. It only fails when the first
//InitialAttempts connection attempts all fail.
func (c *BaseClient) Run(ctx context.Context) error {
	failures := 0
	for {
		c.setState(types.Connecting)
		session, err := c.dial(ctx)
		if err != nil {
			c.setState(types.Disconnected)
			if ctx.Err() != nil {
				return nil
			}
			failures++
			c.mutex.Lock()
			streamed := c.streamed
			c.mutex.Unlock()
			if !streamed && c.cfg.InitialAttempts > 0 && failures >= c.cfg.InitialAttempts {
				return fmt.Errorf("%w: %d attempts: %v", ErrUpstreamUnreachable, failures, err)
			}
			delay := c.Backoff(failures)
			c.logger.Warn("Connecting failed", zap.Int("attempt", failures), zap.Duration("retry", delay), zap.Error(err))
			if !sleep(ctx, delay) {
				return nil
			}
			continue
		}

		c.mutex.Lock()
		if c.streamed {
			c.reconnects++
		}
		c.streamed = true
		c.mutex.Unlock()
		failures = 0
		c.setState(types.Streaming)

		sctx, stop := context.WithCancel(ctx)
		submitted := make(chan struct{})
		go func() {
			defer close(submitted)
			c.submitLoop(sctx, session)
		}()
		err = session.Run(ctx, c.deliver)
		stop()
		<-submitted
		c.setState(types.Disconnected)
		session.Close()
		if ctx.Err() != nil {
			return nil
		}
		failures = 1
		delay := c.Backoff(failures)
		c.logger.Warn("Pool connection lost", zap.Duration("retry", delay), zap.Error(err))
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

func (c *BaseClient) dial(ctx context.Context) (Session, error) {
	if c.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}
	return c.dialer.Dial(ctx)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *BaseClient) deliver(job types.Job) {
	job.ID = c.seq.Add(1)
	if job.ReceivedAt.IsZero() {
		job.ReceivedAt = time.Now()
	}
	c.mutex.Lock()
	c.difficulty = job.Difficulty
	c.mutex.Unlock()
	c.logger.Debug("New job", zap.Uint64("job", job.ID), zap.String("upstreamjob", job.UpstreamID), zap.Bool("clean", job.CleanJobs))
	c.onJob(job)
}

//SubmitShare queues a share for the submitter of the current session and
//returns at once. A full queue drops its oldest share.
func (c *BaseClient) SubmitShare(ctx context.Context, share types.Share) error {
	c.mutex.Lock()
	c.enqueue(share)
	c.mutex.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

//Settle waits up to timeout for the submitter to empty the queue while a
//session is streaming. It returns how many shares are still queued.
func (c *BaseClient) Settle(timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	for {
		c.mutex.Lock()
		left, state := len(c.queue), c.state
		c.mutex.Unlock()
		if left == 0 || state != types.Streaming || !time.Now().Before(deadline) {
			return left
		}
		time.Sleep(10 * time.Millisecond)
	}
}

//enqueue must be called with the mutex held
func (c *BaseClient) enqueue(share types.Share) {
	if len(c.queue) >= c.cfg.QueueSize {
		c.drop(c.queue[0])
		c.queue = c.queue[1:]
	}
	c.queue = append(c.queue, share)
}

//requeue puts a share that could not be sent back in front, must be called with the mutex held
func (c *BaseClient) requeue(share types.Share) {
	if len(c.queue) >= c.cfg.QueueSize {
		c.drop(share)
		return
	}
	c.queue = append([]types.Share{share}, c.queue...)
}

func (c *BaseClient) drop(share types.Share) {
	c.logger.Warn("Share queue full, dropping oldest", zap.String("share", share.ID), zap.Uint64("job", share.JobID))
	if c.events != nil {
		c.events.IncShareQueueDropped()
	}
}

func (c *BaseClient) pop() (share types.Share, ok bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if len(c.queue) == 0 {
		return share, false
	}
	share = c.queue[0]
	c.queue = c.queue[1:]
	return share, true
}

//submitLoop sends queued shares over session until ctx is done, skipping
//shares whose job went stale while they waited
func (c *BaseClient) submitLoop(ctx context.Context, session Session) {
	for {
		share, ok := c.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-c.wake:
			}
			continue
		}
		if c.acceptable != nil && !c.acceptable(share.JobID) {
			c.mutex.Lock()
			c.discard++
			c.mutex.Unlock()
			c.logger.Debug("Discarding stale queued share", zap.String("share", share.ID), zap.Uint64("job", share.JobID))
			continue
		}
		err := c.send(ctx, session, share)
		if err != nil && !errors.Is(err, ErrShareRejected) {
			if !sleep(ctx, c.Backoff(1)) {
				return
			}
		}
	}
}

func (c *BaseClient) send(ctx context.Context, session Session, share types.Share) error {
	if c.cfg.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.SubmitTimeout)
		defer cancel()
	}
	err := session.Submit(ctx, share)
	c.mutex.Lock()
	defer c.mutex.Unlock()
	switch {
	case err == nil:
		c.accept++
		c.lastAccept = time.Now().Unix()
		if c.events != nil {
			c.events.IncSubmitted()
		}
		c.logger.Info("Share accepted", zap.String("share", share.ID), zap.String("device", share.DeviceID))
	case errors.Is(err, ErrShareRejected):
		c.reject++
		if c.events != nil {
			c.events.IncSubmitFailed()
		}
		c.logger.Warn("Share rejected", zap.String("share", share.ID), zap.Error(err))
	default:
		// connection trouble, keep it for the next attempt
		c.logger.Debug("Submit failed, requeueing", zap.String("share", share.ID), zap.Error(err))
		c.requeue(share)
	}
	return err
}
