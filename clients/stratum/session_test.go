package stratum

import (
	"context"
	"encoding/hex"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AGPFMiner/multiminer/clients"
	"github.com/AGPFMiner/multiminer/target"
	"github.com/AGPFMiner/multiminer/types"
)

const (
	testExtranonce1 = "08000002"
	testCoinb1      = "01000000010000000000000000000000000000000000000000000000000000000000000000ffffffff20020862062f503253482f04b8864e5008"
	testCoinb2      = "072f736c7573682f000000000100f2052a010000001976a914d23fcdf86f7e756a64a7a9688ef9903327048ed988ac00000000"
	testBranch      = "1e4d1c0c9d34e6a5e2c3a5e8f2f3c1a4c2d9b9e5e1f7c6d8a9b0c1d2e3f40516"
	testVersion     = "20000000"
	testNBits       = "1d00ffff"
	testNTime       = "5f5e1000"
)

var testPrevHash = func() string {
	b := make([]byte, 32)
	for i := range b {
		b[i] = byte(i)
	}
	return hex.EncodeToString(b)
}()

func notifyParams(jobID string, clean bool) []interface{} {
	return []interface{}{jobID, testPrevHash, testCoinb1, testCoinb2, []interface{}{testBranch}, testVersion, testNBits, testNTime, clean}
}

type dialed struct {
	session clients.Session
	err     error
}

//handshake accepts one connection and walks it through subscribe and authorize
func handshake(t *testing.T, authorized bool) (*fakePool, <-chan dialed) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	d := NewDialer(types.Pool{URL: "stratum+tcp://" + ln.Addr().String(), User: "worker.1", Pass: "x", Algo: "sha256d"}, "multiminer/test", zap.NewNop())
	out := make(chan dialed, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s, err := d.Dial(ctx)
		out <- dialed{s, err}
	}()

	conn, err := ln.Accept()
	require.NoError(t, err)
	pool := newFakePool(t, conn)

	msg := pool.expect("mining.subscribe")
	require.Equal(t, []interface{}{"multiminer/test"}, msg.Params)
	pool.reply(msg.ID, []interface{}{
		[]interface{}{[]interface{}{"mining.notify", "ae6812eb4cd7735a302a8a9dd95cf71f"}},
		testExtranonce1,
		4,
	})
	msg = pool.expect("mining.authorize")
	require.Equal(t, []interface{}{"worker.1", "x"}, msg.Params)
	pool.reply(msg.ID, authorized)
	return pool, out
}

func startSession(t *testing.T) (*fakePool, clients.Session, <-chan types.Job) {
	t.Helper()
	pool, out := handshake(t, true)
	d := <-out
	require.NoError(t, d.err)

	jobs := make(chan types.Job, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.session.Run(ctx, func(job types.Job) { jobs <- job })
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		d.session.Close()
	})
	return pool, d.session, jobs
}

func nextJob(t *testing.T, jobs <-chan types.Job) types.Job {
	t.Helper()
	select {
	case job := <-jobs:
		return job
	case <-time.After(5 * time.Second):
		t.Fatal("no job")
	}
	return types.Job{}
}

func TestNotifyBuildsHeader(t *testing.T) {
	pool, _, jobs := startSession(t)
	pool.notify("mining.set_difficulty", 2)
	pool.notify("mining.notify", notifyParams("job1", true)...)

	job := nextJob(t, jobs)
	require.Equal(t, "job1", job.UpstreamID)
	require.True(t, job.CleanJobs)
	require.Equal(t, "sha256d", job.Algo)
	require.Equal(t, 2.0, job.Difficulty)
	expectedTarget, err := target.FromDifficulty(2)
	require.NoError(t, err)
	require.Equal(t, expectedTarget, job.Target)

	header := job.Header
	require.Len(t, header, HeaderLen)
	require.Equal(t, []byte{0x00, 0x00, 0x00, 0x20}, header[0:4])

	prev, _ := hex.DecodeString(testPrevHash)
	require.Equal(t, RevHash(prev), header[4:36])

	coinbase, _ := hex.DecodeString(testCoinb1 + testExtranonce1 + "00000000" + testCoinb2)
	branch, _ := hex.DecodeString(testBranch)
	root := SHA256d(append(SHA256d(coinbase), branch...))
	require.Equal(t, root, header[36:68])

	require.Equal(t, []byte{0x00, 0x10, 0x5e, 0x5f}, header[68:72])
	require.Equal(t, []byte{0xff, 0xff, 0x00, 0x1d}, header[72:76])

	work, ok := job.Context.(*Work)
	require.True(t, ok)
	require.Equal(t, &Work{JobID: "job1", ExtraNonce2: "00000000", NTime: testNTime}, work)

	pool.notify("mining.notify", notifyParams("job2", false)...)
	job = nextJob(t, jobs)
	require.Equal(t, "00000001", job.Context.(*Work).ExtraNonce2)
	require.NotEqual(t, header[36:68], job.Header[36:68])
}

func TestSetTarget(t *testing.T) {
	pool, _, jobs := startSession(t)
	pool.notify("mining.set_target", "00000000ffff0000000000000000000000000000000000000000000000000000")
	pool.notify("mining.notify", notifyParams("job1", false)...)

	job := nextJob(t, jobs)
	require.Equal(t, target.DifficultyOne, job.Target)
	require.InDelta(t, 1.0, job.Difficulty, 1e-9)
}

func TestMalformedNotifyIgnored(t *testing.T) {
	pool, _, jobs := startSession(t)
	pool.notify("mining.notify", "job1", "zz")
	pool.notify("mining.notify", notifyParams("job2", false)...)
	require.Equal(t, "job2", nextJob(t, jobs).UpstreamID)
}

func TestSubmit(t *testing.T) {
	pool, session, jobs := startSession(t)
	pool.notify("mining.notify", notifyParams("job1", false)...)
	job := nextJob(t, jobs)

	share := types.Share{ID: "s1", JobID: 1, Nonce: 0x7c2bac1d, Context: job.Context}
	submitted := make(chan error, 1)
	go func() { submitted <- session.Submit(context.Background(), share) }()
	msg := pool.expect("mining.submit")
	require.Equal(t, []interface{}{"worker.1", "job1", "00000000", testNTime, "7c2bac1d"}, msg.Params)
	pool.reply(msg.ID, true)
	require.NoError(t, <-submitted)

	go func() { submitted <- session.Submit(context.Background(), share) }()
	msg = pool.expect("mining.submit")
	pool.replyError(msg.ID, []interface{}{22, "Duplicate share", nil})
	require.ErrorIs(t, <-submitted, clients.ErrShareRejected)

	go func() { submitted <- session.Submit(context.Background(), share) }()
	msg = pool.expect("mining.submit")
	pool.reply(msg.ID, false)
	require.ErrorIs(t, <-submitted, clients.ErrShareRejected)

	require.ErrorIs(t, session.Submit(context.Background(), types.Share{ID: "bare"}), clients.ErrShareRejected)
}

func TestRunEndsWhenPoolDisconnects(t *testing.T) {
	pool, out := handshake(t, true)
	d := <-out
	require.NoError(t, d.err)
	defer d.session.Close()

	done := make(chan error, 1)
	go func() { done <- d.session.Run(context.Background(), func(types.Job) {}) }()
	pool.conn.Close()
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestReconnectRequest(t *testing.T) {
	pool, out := handshake(t, true)
	d := <-out
	require.NoError(t, d.err)
	defer d.session.Close()

	done := make(chan error, 1)
	go func() { done <- d.session.Run(context.Background(), func(types.Job) {}) }()
	pool.notify("client.reconnect")
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestUnauthorized(t *testing.T) {
	_, out := handshake(t, false)
	d := <-out
	require.ErrorIs(t, d.err, ErrUnauthorized)
}

func TestAddress(t *testing.T) {
	addr, err := Address("stratum+tcp://pool.example:3333")
	require.NoError(t, err)
	require.Equal(t, "pool.example:3333", addr)

	_, err = Address("grpc://pool.example:3333")
	require.ErrorIs(t, err, ErrUnsupportedScheme)
}
