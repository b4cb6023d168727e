//Package stratum implements the stratum v1 mining protocol over line delimited JSON-RPC.
package stratum

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"github.com/AGPFMiner/multiminer/clients"
	"github.com/AGPFMiner/multiminer/target"
	"github.com/AGPFMiner/multiminer/types"
)

const (
	Scheme = "stratum+tcp"
	//HeaderLen is the header handed to devices, without nonce
	HeaderLen = 76

	pendingJobs = 8
)

var (
	ErrUnsupportedScheme = errors.New("unsupported pool scheme")
	ErrUnauthorized      = errors.New("pool refused authorization")
	ErrBadReply          = errors.New("invalid reply from pool")
)

//Address extracts host:port from a stratum+tcp url
func Address(rawurl string) (string, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", err
	}
	if u.Scheme != Scheme {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return u.Host, nil
}

//Dialer opens stratum sessions to one pool
type Dialer struct {
	Pool      types.Pool
	UserAgent string
	Logger    *zap.Logger
}

func NewDialer(pool types.Pool, userAgent string, logger *zap.Logger) *Dialer {
	return &Dialer{Pool: pool, UserAgent: userAgent, Logger: logger.Named("stratum")}
}

//Dial connects, subscribes and authorizes
func (d *Dialer) Dial(ctx context.Context) (clients.Session, error) {
	address, err := Address(d.Pool.URL)
	if err != nil {
		return nil, err
	}
	d.Logger.Info("Connecting", zap.String("address", address))
	client, err := Dial(ctx, address, d.Logger)
	if err != nil {
		return nil, err
	}
	s := newSession(client, d.Pool, d.Logger)
	if err := s.handshake(ctx, d.UserAgent); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

//Work is what a share needs to be submitted for a job
type Work struct {
	JobID       string
	ExtraNonce2 string
	NTime       string
}

//stratumJob is a parsed mining.notify
type stratumJob struct {
	JobID        string
	PrevHash     []byte
	Coinbase1    []byte
	Coinbase2    []byte
	MerkleBranch [][]byte
	Version      []byte
	NBits        []byte
	NTime        []byte
	CleanJobs    bool

	target     target.Target
	difficulty float64
}

//Session is one subscribed stratum connection
type Session struct {
	client *Client
	pool   types.Pool
	logger *zap.Logger

	mutex       sync.Mutex // protects following
	extranonce1 []byte
	extranonce2 ExtraNonce2
	target      target.Target
	difficulty  float64

	notifies chan stratumJob
}

func newSession(client *Client, pool types.Pool, logger *zap.Logger) *Session {
	s := &Session{
		client:     client,
		pool:       pool,
		logger:     logger,
		target:     target.DifficultyOne,
		difficulty: 1,
		notifies:   make(chan stratumJob, pendingJobs),
	}
	client.SetNotificationHandler("mining.notify", s.onNotify)
	client.SetNotificationHandler("mining.set_difficulty", s.onSetDifficulty)
	client.SetNotificationHandler("mining.set_target", s.onSetTarget)
	client.SetNotificationHandler("mining.set_extranonce", s.onSetExtranonce)
	client.SetNotificationHandler("client.reconnect", func([]interface{}) {
		s.logger.Info("Pool asked to reconnect")
		s.client.fail(errors.New("reconnect requested by pool"))
	})
	return s
}

func (s *Session) handshake(ctx context.Context, userAgent string) error {
	result, err := s.client.Call(ctx, "mining.subscribe", userAgent)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	reply, ok := result.([]interface{})
	if !ok || len(reply) < 3 {
		return fmt.Errorf("%w: subscribe %v", ErrBadReply, result)
	}
	if err := s.setExtranonce(reply[1], reply[2]); err != nil {
		return err
	}

	result, err = s.client.Call(ctx, "mining.authorize", s.pool.User, s.pool.Pass)
	if err != nil {
		return fmt.Errorf("authorize: %w", err)
	}
	if authorized, _ := result.(bool); !authorized {
		return fmt.Errorf("%w: %s", ErrUnauthorized, s.pool.User)
	}
	s.logger.Info("Authorized", zap.String("user", s.pool.User))
	return nil
}

func (s *Session) setExtranonce(en1, size interface{}) error {
	extranonce1, err := HexStringToBytes(en1)
	if err != nil {
		return fmt.Errorf("%w: extranonce1: %v", ErrBadReply, err)
	}
	var extranonce2Size uint
	if err := mapstructure.WeakDecode(size, &extranonce2Size); err != nil {
		return fmt.Errorf("%w: extranonce2_size: %v", ErrBadReply, err)
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.extranonce1 = extranonce1
	s.extranonce2 = ExtraNonce2{Size: extranonce2Size}
	return nil
}

func (s *Session) onSetExtranonce(params []interface{}) {
	if len(params) < 2 {
		s.logger.Warn("Malformed set_extranonce", zap.Any("params", params))
		return
	}
	if err := s.setExtranonce(params[0], params[1]); err != nil {
		s.logger.Warn("Malformed set_extranonce", zap.Error(err))
	}
}

func (s *Session) onSetDifficulty(params []interface{}) {
	if len(params) < 1 {
		s.logger.Warn("No difficulty parameter supplied by pool")
		return
	}
	var diff float64
	if err := mapstructure.WeakDecode(params[0], &diff); err != nil {
		s.logger.Warn("Invalid difficulty supplied by pool", zap.Any("difficulty", params[0]))
		return
	}
	t, err := target.FromDifficulty(diff)
	if err != nil {
		s.logger.Warn("Invalid difficulty supplied by pool", zap.Float64("difficulty", diff), zap.Error(err))
		return
	}
	s.logger.Info("Pool changed difficulty", zap.Float64("difficulty", diff))
	s.mutex.Lock()
	s.target, s.difficulty = t, diff
	s.mutex.Unlock()
}

func (s *Session) onSetTarget(params []interface{}) {
	if len(params) < 1 {
		return
	}
	hexTarget, _ := params[0].(string)
	t, err := target.FromHex(hexTarget)
	if err != nil {
		s.logger.Warn("Invalid target supplied by pool", zap.Any("target", params[0]), zap.Error(err))
		return
	}
	s.mutex.Lock()
	s.target, s.difficulty = t, t.Difficulty()
	s.mutex.Unlock()
}

func (s *Session) onNotify(params []interface{}) {
	sj, err := parseNotify(params)
	if err != nil {
		s.logger.Warn("Malformed job from pool", zap.Error(err))
		return
	}
	s.mutex.Lock()
	sj.target, sj.difficulty = s.target, s.difficulty
	s.mutex.Unlock()

	// keep the newest jobs when Run falls behind
	for {
		select {
		case s.notifies <- sj:
			return
		default:
		}
		select {
		case <-s.notifies:
		default:
		}
	}
}

func parseNotify(params []interface{}) (sj stratumJob, err error) {
	if len(params) < 9 {
		return sj, fmt.Errorf("%w: notify has %d params", ErrBadReply, len(params))
	}
	var ok bool
	if sj.JobID, ok = params[0].(string); !ok {
		return sj, fmt.Errorf("%w: job_id", ErrBadReply)
	}
	fields := []struct {
		name string
		dst  *[]byte
		size int
	}{
		{"prevhash", &sj.PrevHash, 32},
		{"coinb1", &sj.Coinbase1, -1},
		{"coinb2", &sj.Coinbase2, -1},
		{"version", &sj.Version, 4},
		{"nbits", &sj.NBits, 4},
		{"ntime", &sj.NTime, 4},
	}
	raw := []interface{}{params[1], params[2], params[3], params[5], params[6], params[7]}
	for i, f := range fields {
		if *f.dst, err = HexStringToBytes(raw[i]); err != nil {
			return sj, fmt.Errorf("%w: %s: %v", ErrBadReply, f.name, err)
		}
		if f.size > 0 && len(*f.dst) != f.size {
			return sj, fmt.Errorf("%w: %s has %d bytes", ErrBadReply, f.name, len(*f.dst))
		}
	}

	merklebranch, ok := params[4].([]interface{})
	if !ok {
		return sj, fmt.Errorf("%w: merkle_branch", ErrBadReply)
	}
	sj.MerkleBranch = make([][]byte, len(merklebranch))
	for i, branch := range merklebranch {
		if sj.MerkleBranch[i], err = HexStringToBytes(branch); err != nil {
			return sj, fmt.Errorf("%w: merkle_branch: %v", ErrBadReply, err)
		}
	}
	if sj.CleanJobs, ok = params[8].(bool); !ok {
		return sj, fmt.Errorf("%w: clean_jobs", ErrBadReply)
	}
	return sj, nil
}

//buildJob rolls a fresh extranonce2 into the coinbase and lays out the header
func (s *Session) buildJob(sj stratumJob) types.Job {
	s.mutex.Lock()
	en1 := s.extranonce1
	en2 := s.extranonce2.Bytes()
	if err := s.extranonce2.Increment(); err != nil {
		s.logger.Debug("Extranonce2 wrapped", zap.String("job", sj.JobID))
	}
	s.mutex.Unlock()

	arbtx := make([]byte, 0, len(sj.Coinbase1)+len(en1)+len(en2)+len(sj.Coinbase2))
	arbtx = append(arbtx, sj.Coinbase1...)
	arbtx = append(arbtx, en1...)
	arbtx = append(arbtx, en2...)
	arbtx = append(arbtx, sj.Coinbase2...)
	merkleRoot := MerkleRoot(arbtx, sj.MerkleBranch)

	header := make([]byte, 0, HeaderLen)
	header = append(header, sj.Version...)
	header = append(header, sj.PrevHash...)
	header = append(header, RevHash(merkleRoot)...)
	header = append(header, sj.NTime...)
	header = append(header, sj.NBits...)
	header = RevHash(header)

	return types.Job{
		UpstreamID: sj.JobID,
		Header:     header,
		Target:     sj.target,
		Algo:       s.pool.Algo,
		Difficulty: sj.difficulty,
		CleanJobs:  sj.CleanJobs,
		ReceivedAt: time.Now(),
		Context: &Work{
			JobID:       sj.JobID,
			ExtraNonce2: hex.EncodeToString(en2),
			NTime:       hex.EncodeToString(sj.NTime),
		},
	}
}

//Run turns notifications into jobs until the connection drops
func (s *Session) Run(ctx context.Context, jobs func(types.Job)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.client.Done():
			return s.client.Err()
		case sj := <-s.notifies:
			jobs(s.buildJob(sj))
		}
	}
}

//Submit reports a share for a job built by this session
func (s *Session) Submit(ctx context.Context, share types.Share) error {
	work, ok := share.Context.(*Work)
	if !ok {
		return fmt.Errorf("%w: share %s carries no stratum work", clients.ErrShareRejected, share.ID)
	}
	result, err := s.client.Call(ctx, "mining.submit",
		s.pool.User, work.JobID, work.ExtraNonce2, work.NTime, fmt.Sprintf("%08x", uint32(share.Nonce)))
	if err != nil {
		var rpcErr *Error
		if errors.As(err, &rpcErr) {
			return fmt.Errorf("%w: %v", clients.ErrShareRejected, rpcErr)
		}
		return err
	}
	if accepted, _ := result.(bool); !accepted {
		return fmt.Errorf("%w: pool answered %v", clients.ErrShareRejected, result)
	}
	return nil
}

func (s *Session) Close() error {
	return s.client.Close()
}
