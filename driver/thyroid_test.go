package driver

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AGPFMiner/multiminer/boardman"
	"github.com/AGPFMiner/multiminer/config"
	"github.com/AGPFMiner/multiminer/types"
)

type fakePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
}

func newFakePort() *fakePort {
	r, w := io.Pipe()
	return &fakePort{r: r, w: w}
}

func (f *fakePort) Read(p []byte) (int, error) { return f.r.Read(p) }

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.Write(p)
}

func (f *fakePort) Close() error { return f.r.Close() }

func (f *fakePort) Written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.written.Bytes()...)
}

func nonceFrame(records ...[2]uint64) []byte {
	frame := make([]byte, framePreamble)
	frame = append(frame, byte(len(records)))
	for _, r := range records {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], r[1])
		frame = append(frame, byte(r[0]))
		frame = append(frame, n[:]...)
	}
	return frame
}

func newTestThyroid(t *testing.T, port *fakePort) *Thyroid {
	t.Helper()
	plugin, err := NewThyroid(config.Plugin{Name: ThyroidName, Algo: "sha256d", NonceTraverseTimeout: time.Hour}, zap.NewNop())
	require.NoError(t, err)
	thy := plugin.(*Thyroid)
	thy.Open = func(serial.OpenOptions) (io.ReadWriteCloser, error) { return port, nil }
	return thy
}

func TestSplitNonceFrames(t *testing.T) {
	stream := append([]byte{0xaa, 0xbb}, nonceFrame([2]uint64{1, 0x10}, [2]uint64{2, 0x20})...)
	advance, token, err := splitNonceFrames(stream, false)
	require.NoError(t, err)
	require.Equal(t, len(stream), advance)
	require.Len(t, token, 2*nonceRecordLen)
	require.Equal(t, byte(1), token[0])
	require.Equal(t, uint64(0x20), binary.BigEndian.Uint64(token[nonceRecordLen+1:]))

	// incomplete frame waits for more data
	advance, token, err = splitNonceFrames(stream[:len(stream)-3], false)
	require.NoError(t, err)
	require.Zero(t, advance)
	require.Nil(t, token)

	// zero job id is never valid, resync past it
	bad := nonceFrame([2]uint64{0, 0x10})
	advance, token, err = splitNonceFrames(bad, false)
	require.NoError(t, err)
	require.Equal(t, 1, advance)
	require.Nil(t, token)
}

func TestConstructWorkPackets(t *testing.T) {
	header := bytes.Repeat([]byte{0x11}, 6)
	packet, err := constructWorkPackets(header, 3, types.NonceRange{Start: 0x100, End: 0x200})
	require.NoError(t, err)
	// 2 header words, 4 range words, job id, start
	require.Len(t, packet, 8*6)
	require.Equal(t, []byte{writeCtrl, addrHeaderBase, 0x11, 0x11, 0x11, 0x11}, packet[:6])
	require.Equal(t, []byte{writeCtrl, addrHeaderBase + 1, 0x11, 0x11, 0x00, 0x00}, packet[6:12])
	require.Equal(t, []byte{writeCtrl, addrInitCnt0, 0x00, 0x00, 0x01, 0x00}, packet[12:18])
	require.Equal(t, []byte{writeCtrl, addrEndCnt0, 0x00, 0x00, 0x01, 0xff}, packet[24:30])
	require.Equal(t, []byte{writeCtrl, addrJobID, 0x89, 0xab, 0xcd, 0x03}, packet[36:42])
	require.Equal(t, []byte{writeCtrl, addrStartMine, 0xff, 0xff, 0xff, 0xff}, packet[42:48])

	_, err = constructWorkPackets(make([]byte, 4*maxHeaderWords+1), 1, types.NonceRange{Start: 0, End: 1})
	require.ErrorIs(t, err, ErrHeaderTooLong)
}

func TestThyroidAssignAndReport(t *testing.T) {
	port := newFakePort()
	thy := newTestThyroid(t, port)
	descs, err := thy.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, descs, 1)
	require.Equal(t, types.Partitioned, descs[0].Capability.Mode)
	id := descs[0].ID

	job := &types.Job{ID: 42, Header: make([]byte, 76)}
	r := &types.NonceRange{Start: 0x1000, End: 0x2000}
	require.NoError(t, thy.Assign(id, job, r))
	require.True(t, bytes.Contains(port.Written(), []byte{writeCtrl, addrJobID, 0x89, 0xab, 0xcd, 0x01}))

	// previous range still traversing
	require.ErrorIs(t, thy.Assign(id, job, &types.NonceRange{Start: 0x2000, End: 0x3000}), ErrDeviceBusy)

	go port.w.Write(nonceFrame([2]uint64{1, 0x1234}, [2]uint64{1, 0x9999}, [2]uint64{77, 0x1500}))

	var got []types.Candidate
	require.Eventually(t, func() bool {
		results, err := thy.PollResults(id)
		require.NoError(t, err)
		got = append(got, results...)
		return len(got) >= 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, types.Candidate{DeviceID: id, JobID: 42, Nonce: 0x1234}, got[0])
	require.Equal(t, types.Running, thy.Status())

	require.NoError(t, thy.Close())
	require.Equal(t, types.Stopped, thy.Status())
}

func TestThyroidFaultAndReopen(t *testing.T) {
	first := newFakePort()
	thy := newTestThyroid(t, first)
	descs, err := thy.Enumerate(context.Background())
	require.NoError(t, err)
	id := descs[0].ID

	first.w.CloseWithError(errors.New("cable pulled"))
	require.Eventually(t, func() bool {
		_, err := thy.PollResults(id)
		return errors.Is(err, ErrDeviceFault)
	}, 5*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, thy.Assign(id, &types.Job{ID: 1}, &types.NonceRange{Start: 0, End: 10}), ErrDeviceFault)

	second := newFakePort()
	thy.Open = func(serial.OpenOptions) (io.ReadWriteCloser, error) { return second, nil }
	require.NoError(t, thy.CheckHealth(context.Background(), id))
	require.NoError(t, thy.Assign(id, &types.Job{ID: 1, Header: []byte{1}}, &types.NonceRange{Start: 0, End: 10}))
	require.NoError(t, thy.Close())
}

//selectLog decodes every complete uart select sweep into a board id
type selectLog struct {
	pins int

	mu       sync.Mutex
	bits     []bool
	selected map[int]int
}

func (l *selectLog) Output(pin int) {}
func (l *selectLog) High(pin int)   { l.bit(true) }
func (l *selectLog) Low(pin int)    { l.bit(false) }

func (l *selectLog) bit(high bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bits = append(l.bits, high)
	if len(l.bits) < l.pins {
		return
	}
	id := 0
	for _, b := range l.bits {
		id <<= 1
		if b {
			id |= 1
		}
	}
	l.bits = l.bits[:0]
	l.selected[id]++
}

func (l *selectLog) Selected() map[int]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[int]int, len(l.selected))
	for k, v := range l.selected {
		out[k] = v
	}
	return out
}

func TestThyroidSlots(t *testing.T) {
	port := newFakePort()
	plugin, err := NewThyroid(config.Plugin{
		Name:                 ThyroidName,
		Algo:                 "sha256d",
		MuxNums:              4,
		Slots:                []int{1, 3},
		NonceTraverseTimeout: time.Hour,
		PollDelay:            time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	thy := plugin.(*Thyroid)
	thy.Open = func(serial.OpenOptions) (io.ReadWriteCloser, error) { return port, nil }
	gpio := &selectLog{pins: len(boardman.DefaultPins.UART), selected: make(map[int]int)}
	thy.OpenMux = func(pins boardman.Pins, boards int) (*boardman.Mux, error) {
		require.Equal(t, 4, boards)
		return boardman.New(gpio, pins, boards), nil
	}

	descs, err := thy.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, descs, 2)
	require.Equal(t, "thyroid/1", descs[0].ID)
	require.Equal(t, "thyroid/3", descs[1].ID)

	require.NoError(t, thy.Assign("thyroid/3", &types.Job{ID: 1, Header: []byte{1}}, &types.NonceRange{Start: 0, End: 10}))
	require.Eventually(t, func() bool {
		sel := gpio.Selected()
		return sel[1] > 0 && sel[3] > 0
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, thy.Close())

	sel := gpio.Selected()
	require.Zero(t, sel[0])
	require.Zero(t, sel[2])
}

func TestThyroidBadSlots(t *testing.T) {
	for _, slots := range [][]int{{4}, {-1}, {1, 1}} {
		_, err := NewThyroid(config.Plugin{Name: ThyroidName, Algo: "sha256d", MuxNums: 4, Slots: slots}, zap.NewNop())
		require.ErrorIs(t, err, ErrBadSlot, "%v", slots)
	}
}
