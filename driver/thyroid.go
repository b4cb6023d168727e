package driver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/jinzhu/copier"
	"go.uber.org/zap"

	"github.com/AGPFMiner/multiminer/algorithms"
	"github.com/AGPFMiner/multiminer/boardman"
	"github.com/AGPFMiner/multiminer/config"
	"github.com/AGPFMiner/multiminer/statistics"
	"github.com/AGPFMiner/multiminer/types"
)

const (
	ThyroidName = "thyroid"

	pullLow  = "00000000"
	pullHigh = "ffffffff"

	writeCtrl      = byte(0x06)
	addrStartMine  = byte(0x08)
	addrNonceRead  = byte(0x0b)
	addrInitCnt0   = byte(0x28)
	addrInitCnt1   = byte(0x29)
	addrEndCnt0    = byte(0x2a)
	addrEndCnt1    = byte(0x2b)
	addrJobID      = byte(0x30)
	addrHeaderBase = byte(0x40)
	maxHeaderWords = 64

	nonceRecordLen = 9
	framePreamble  = 8

	watchDogTimeout = 30 * time.Second
	readNonceEvery  = 10 * time.Millisecond
)

var (
	ErrHeaderTooLong = errors.New("header does not fit the board registers")
	ErrBadSlot       = errors.New("slot outside of the board mux")
)

//PortOpener opens the uart
type PortOpener func(options serial.OpenOptions) (io.ReadWriteCloser, error)

//MuxOpener opens the board multiplexer, only used when more than one board is attached
type MuxOpener func(pins boardman.Pins, boards int) (*boardman.Mux, error)

type singleNonce struct {
	jobid uint8
	nonce [8]byte
}

//boardWork is what a board job id stands for
type boardWork struct {
	ID     uint64
	Header []byte
	Board  int
	Start  uint64
	End    uint64
}

type board struct {
	index     int
	// mux position
	slot      int
	id        string
	active    bool
	busyUntil time.Time
	// hashes per second of the outstanding batch
	rate    float64
	results []types.Candidate
	hr      *statistics.HashRate
	valid   uint64
	invalid uint64
}

//Thyroid drives one or more fpga boards sharing a uart. Each board searches the
//nonce range it is given and reports nonces tagged with an 8 bit board job id.
type Thyroid struct {
	logger                          *zap.Logger
	hasher                          algorithms.Hasher
	devPath                         string
	baudRate                        uint
	muxNums                         int
	slots                           []int
	pollDelay, nonceTraverseTimeout time.Duration
	batchSize                       uint64
	pins                            boardman.Pins

	Open    PortOpener
	OpenMux MuxOpener

	writeMutex sync.Mutex // protects port writes and board selection
	port       io.ReadWriteCloser
	mux        *boardman.Mux
	nextRead   int

	reopenMutex sync.Mutex

	mu         sync.Mutex // protects following
	boards     map[string]*board
	order      []*board
	boardJobID uint8
	workCache  map[uint8]boardWork
	faulted    error

	nonceChan       chan singleNonce
	feedDog         chan struct{}
	stats           atomic.Int32
	driverQuit      chan struct{}
	wg              sync.WaitGroup
	closeOnce       sync.Once
	readNoncePacket []byte
}

func NewThyroid(cfg config.Plugin, logger *zap.Logger) (Plugin, error) {
	hasher, err := algorithms.Lookup(cfg.Algo)
	if err != nil {
		return nil, err
	}
	thy := &Thyroid{
		logger:               logger.Named(ThyroidName),
		hasher:               hasher,
		devPath:              cfg.Device,
		baudRate:             cfg.BaudRate,
		muxNums:              cfg.MuxNums,
		pollDelay:            cfg.PollDelay,
		nonceTraverseTimeout: cfg.NonceTraverseTimeout,
		batchSize:            cfg.BatchSize,
		pins:                 boardman.DefaultPins,
		Open:                 serial.Open,
		OpenMux:              boardman.Open,
		boards:               make(map[string]*board),
		workCache:            make(map[uint8]boardWork),
		nonceChan:            make(chan singleNonce, 100),
		feedDog:              make(chan struct{}, 1),
		driverQuit:           make(chan struct{}),
	}
	if thy.devPath == "" {
		thy.devPath = "/dev/ttyAMA0"
	}
	if thy.baudRate == 0 {
		thy.baudRate = 115200
	}
	if thy.muxNums <= 0 {
		thy.muxNums = 1
	}
	if thy.pollDelay <= 0 {
		thy.pollDelay = 60 * time.Millisecond
	}
	if thy.nonceTraverseTimeout <= 0 {
		thy.nonceTraverseTimeout = time.Second
	}
	if len(cfg.UartIO) > 0 {
		thy.pins.UART = cfg.UartIO
	}
	seen := make(map[int]bool)
	for _, slot := range cfg.Slots {
		if slot < 0 || slot >= thy.muxNums || seen[slot] {
			return nil, fmt.Errorf("%w: %d of %d", ErrBadSlot, slot, thy.muxNums)
		}
		seen[slot] = true
		thy.slots = append(thy.slots, slot)
	}
	if len(thy.slots) == 0 {
		for i := 0; i < thy.muxNums; i++ {
			thy.slots = append(thy.slots, i)
		}
	}
	thy.readNoncePacket, _ = hex.DecodeString(fmt.Sprintf("%02x%02x", writeCtrl, addrNonceRead) + pullLow +
		fmt.Sprintf("%02x%02x", writeCtrl, addrNonceRead) + pullHigh)
	thy.stats.Store(int32(types.Stopped))
	return thy, nil
}

func (thy *Thyroid) Name() string {
	return ThyroidName
}

func (thy *Thyroid) Hasher() algorithms.Hasher {
	return thy.hasher
}

//Status is the hardware state reported by the watchdog
func (thy *Thyroid) Status() types.HardwareStats {
	return types.HardwareStats(thy.stats.Load())
}

func (thy *Thyroid) serialOptions() serial.OpenOptions {
	return serial.OpenOptions{
		PortName:        thy.devPath,
		BaudRate:        thy.baudRate,
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 4,
	}
}

//Enumerate opens the uart and exposes one partitioned device per board
func (thy *Thyroid) Enumerate(ctx context.Context) ([]types.DeviceDescriptor, error) {
	port, err := thy.Open(thy.serialOptions())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", thy.devPath, err)
	}
	if thy.muxNums > 1 {
		mux, err := thy.OpenMux(thy.pins, thy.muxNums)
		if err != nil {
			port.Close()
			return nil, err
		}
		thy.mux = mux
	}
	thy.port = port

	descs := make([]types.DeviceDescriptor, 0, len(thy.slots))
	thy.mu.Lock()
	for i, slot := range thy.slots {
		b := &board{index: i, slot: slot, id: types.DeviceID(ThyroidName, slot), hr: &statistics.HashRate{}}
		thy.boards[b.id] = b
		thy.order = append(thy.order, b)
		descs = append(descs, types.DeviceDescriptor{
			ID:     b.id,
			Plugin: ThyroidName,
			Name:   fmt.Sprintf("thyroid board in slot %d on %s", slot, thy.devPath),
			Capability: types.Capability{
				Mode:      types.Partitioned,
				Class:     "fpga",
				BatchSize: thy.batchSize,
			},
		})
	}
	thy.mu.Unlock()

	thy.stats.Store(int32(types.Running))
	thy.wg.Add(5)
	go thy.readNonce(port)
	go thy.processNonce()
	go thy.writeReadNonceRepeatly()
	go thy.nonceStatistic()
	go thy.watchDog()
	thy.logger.Info("Enumerated", zap.String("port", thy.devPath), zap.Ints("slots", thy.slots))
	return descs, nil
}

func (thy *Thyroid) board(deviceID string) (*board, error) {
	thy.mu.Lock()
	defer thy.mu.Unlock()
	b, ok := thy.boards[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return b, nil
}

//selectBoard must be called with writeMutex held
func (thy *Thyroid) selectBoard(b *board) error {
	if thy.mux == nil {
		return nil
	}
	if err := thy.mux.SelectConsole(b.slot); err != nil {
		return err
	}
	time.Sleep(thy.pollDelay)
	return nil
}

func writeRegister(packet []byte, addr byte, word []byte) []byte {
	packet = append(packet, writeCtrl, addr)
	return append(packet, word...)
}

//constructWorkPackets lays the header out in 4 byte registers, then the range,
//the board job id and the start command.
func constructWorkPackets(header []byte, boardJobID uint8, r types.NonceRange) (fpgaPacket []byte, err error) {
	words := (len(header) + 3) / 4
	if words > maxHeaderWords {
		return nil, fmt.Errorf("%w: %d bytes", ErrHeaderTooLong, len(header))
	}
	padded := make([]byte, words*4)
	copy(padded, header)
	for i := 0; i < words; i++ {
		fpgaPacket = writeRegister(fpgaPacket, addrHeaderBase+byte(i), padded[i*4:i*4+4])
	}

	var word [8]byte
	binary.BigEndian.PutUint64(word[:], r.Start)
	fpgaPacket = writeRegister(fpgaPacket, addrInitCnt0, word[4:])
	fpgaPacket = writeRegister(fpgaPacket, addrInitCnt1, word[:4])
	binary.BigEndian.PutUint64(word[:], r.End-1)
	fpgaPacket = writeRegister(fpgaPacket, addrEndCnt0, word[4:])
	fpgaPacket = writeRegister(fpgaPacket, addrEndCnt1, word[:4])

	fpgaPacket = writeRegister(fpgaPacket, addrJobID, []byte{0x89, 0xab, 0xcd, boardJobID})
	start, _ := hex.DecodeString(pullHigh)
	fpgaPacket = writeRegister(fpgaPacket, addrStartMine, start)
	return
}

//Assign loads a header and range into a board. A board is busy until the
//traverse timeout of its previous range has elapsed.
func (thy *Thyroid) Assign(deviceID string, job *types.Job, r *types.NonceRange) error {
	if r == nil || r.Len() == 0 {
		return fmt.Errorf("%s needs a nonce range", deviceID)
	}
	b, err := thy.board(deviceID)
	if err != nil {
		return err
	}

	thy.mu.Lock()
	if thy.faulted != nil {
		err := thy.faulted
		thy.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrDeviceFault, err)
	}
	now := time.Now()
	if b.active && now.Before(b.busyUntil) {
		thy.mu.Unlock()
		return ErrDeviceBusy
	}
	thy.boardJobID++
	if thy.boardJobID == 0 {
		thy.boardJobID = 1
	}
	jobID := thy.boardJobID
	thy.mu.Unlock()

	headerPacket, err := constructWorkPackets(job.Header, jobID, *r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceFault, err)
	}

	var cached boardWork
	copier.CopyWithOption(&cached, job, copier.Option{DeepCopy: true})
	cached.Board, cached.Start, cached.End = b.index, r.Start, r.End

	thy.mu.Lock()
	thy.workCache[jobID] = cached
	b.active = true
	b.busyUntil = now.Add(thy.nonceTraverseTimeout)
	b.rate = float64(r.Len()) / thy.nonceTraverseTimeout.Seconds()
	thy.mu.Unlock()

	thy.logger.Debug("Write Packet",
		zap.String("device", deviceID),
		zap.Uint8("boardJobID", jobID),
		zap.Uint64("job", job.ID),
		zap.Stringer("range", r))

	thy.writeMutex.Lock()
	err = thy.selectBoard(b)
	if err == nil {
		_, err = thy.port.Write(headerPacket)
	}
	thy.writeMutex.Unlock()
	if err != nil {
		thy.logger.Error("port.Write", zap.String("device", deviceID), zap.Error(err))
		thy.mu.Lock()
		b.active = false
		thy.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrDeviceFault, err)
	}
	return nil
}

//splitNonceFrames frames the uart stream: eight zero bytes, a count, then
//count records of board job id and 8 byte big-endian nonce.
func splitNonceFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if len(data) < framePreamble+1 {
		if atEOF {
			return len(data), nil, io.EOF
		}
		return 0, nil, nil
	}
	preamble := make([]byte, framePreamble)
	for index := 0; index < len(data)-framePreamble; index++ {
		if !bytes.Equal(data[index:index+framePreamble], preamble) {
			continue
		}
		nonceNum := int(data[index+framePreamble])
		nonceLen := nonceNum * nonceRecordLen
		body := index + framePreamble + 1
		if len(data) < body+nonceLen { // waiting for more data
			if atEOF {
				return len(data), nil, io.EOF
			}
			return 0, nil, nil
		}
		if nonceNum > 0 && data[body] == 0 { // jobid will never be zero
			return index + 1, nil, nil
		}
		return body + nonceLen, data[body : body+nonceLen], nil
	}
	if atEOF {
		return len(data), nil, io.EOF
	}
	// keep a possible partial preamble
	return len(data) - framePreamble, nil, nil
}

func (thy *Thyroid) readNonce(port io.Reader) {
	defer thy.wg.Done()
	scanner := bufio.NewScanner(port)
	scanner.Split(splitNonceFrames)
	for scanner.Scan() {
		nonces := scanner.Bytes()
		for i := 0; i+nonceRecordLen <= len(nonces); i += nonceRecordLen {
			if nonces[i] == 0 {
				continue
			}
			var n singleNonce
			n.jobid = nonces[i]
			copy(n.nonce[:], nonces[i+1:i+nonceRecordLen])
			thy.logger.Debug("Parsed Nonce", zap.Uint8("boardJobID", n.jobid), zap.String("nonce", fmt.Sprintf("%02X", n.nonce)))
			select {
			case thy.nonceChan <- n:
			case <-thy.driverQuit:
				return
			}
		}
	}

	select {
	case <-thy.driverQuit:
		return
	default:
	}
	thy.writeMutex.Lock()
	current := thy.port == port
	thy.writeMutex.Unlock()
	if !current {
		return
	}
	err := scanner.Err()
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	thy.logger.Error("Scanner exited", zap.Error(err))
	thy.mu.Lock()
	thy.faulted = err
	thy.mu.Unlock()
}

func (thy *Thyroid) processNonce() {
	defer thy.wg.Done()
	for {
		select {
		case <-thy.driverQuit:
			return
		case n := <-thy.nonceChan:
			select {
			case thy.feedDog <- struct{}{}:
			default:
			}
			thy.acceptNonce(n)
		}
	}
}

func (thy *Thyroid) acceptNonce(n singleNonce) {
	nonce := binary.BigEndian.Uint64(n.nonce[:])

	thy.mu.Lock()
	defer thy.mu.Unlock()
	work, ok := thy.workCache[n.jobid]
	if !ok {
		thy.logger.Debug("Nonce for unknown board job", zap.Uint8("boardJobID", n.jobid))
		return
	}
	b := thy.order[work.Board]
	if nonce < work.Start || nonce >= work.End {
		b.invalid++
		thy.logger.Debug("Nonce outside of range", zap.String("device", b.id), zap.Uint64("nonce", nonce))
		return
	}
	if len(b.results) >= maxPendingResults {
		b.invalid++
		return
	}
	b.valid++
	b.results = append(b.results, types.Candidate{DeviceID: b.id, JobID: work.ID, Nonce: nonce})
}

func (thy *Thyroid) writeReadNonce() error {
	thy.writeMutex.Lock()
	defer thy.writeMutex.Unlock()
	if len(thy.order) > 1 {
		thy.nextRead = (thy.nextRead + 1) % len(thy.order)
		if err := thy.selectBoard(thy.order[thy.nextRead]); err != nil {
			return err
		}
	}
	_, err := thy.port.Write(thy.readNoncePacket)
	return err
}

func (thy *Thyroid) writeReadNonceRepeatly() {
	defer thy.wg.Done()
	ticker := time.NewTicker(readNonceEvery)
	defer ticker.Stop()
	for {
		select {
		case <-thy.driverQuit:
			return
		case <-ticker.C:
			thy.mu.Lock()
			faulted := thy.faulted != nil
			thy.mu.Unlock()
			if faulted {
				continue
			}
			if err := thy.writeReadNonce(); err != nil {
				thy.logger.Warn("port.Write", zap.Error(err))
			}
		}
	}
}

//nonceStatistic samples every board once a second
func (thy *Thyroid) nonceStatistic() {
	defer thy.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-thy.driverQuit:
			return
		case now := <-ticker.C:
			thy.mu.Lock()
			for _, b := range thy.order {
				if b.active && now.After(b.busyUntil) {
					b.active = false
				}
				if b.active {
					b.hr.Add(b.rate)
				} else {
					b.hr.Add(0)
				}
			}
			thy.mu.Unlock()
		}
	}
}

func (thy *Thyroid) watchDog() {
	defer thy.wg.Done()
	timer := time.NewTimer(watchDogTimeout)
	defer timer.Stop()
	for {
		select {
		case <-thy.driverQuit:
			thy.stats.Store(int32(types.Stopped))
			return
		case <-timer.C:
			thy.stats.CompareAndSwap(int32(types.Running), int32(types.NoResponse))
			timer.Reset(watchDogTimeout)
		case <-thy.feedDog:
			thy.stats.Store(int32(types.Running))
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(watchDogTimeout)
		}
	}
}

func (thy *Thyroid) PollResults(deviceID string) ([]types.Candidate, error) {
	b, err := thy.board(deviceID)
	if err != nil {
		return nil, err
	}
	thy.mu.Lock()
	defer thy.mu.Unlock()
	if thy.faulted != nil && len(b.results) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrDeviceFault, thy.faulted)
	}
	results := b.results
	b.results = nil
	return results, nil
}

//Hashrate averages the last minute of traversed ranges
func (thy *Thyroid) Hashrate(deviceID string) float64 {
	b, err := thy.board(deviceID)
	if err != nil {
		return 0
	}
	return b.hr.Average(60)
}

//CheckHealth reopens the uart after a read failure
func (thy *Thyroid) CheckHealth(ctx context.Context, deviceID string) error {
	if _, err := thy.board(deviceID); err != nil {
		return err
	}
	thy.reopenMutex.Lock()
	defer thy.reopenMutex.Unlock()

	thy.mu.Lock()
	faulted := thy.faulted
	thy.mu.Unlock()
	if faulted == nil {
		if err := thy.writeReadNonce(); err != nil {
			return fmt.Errorf("%w: %v", ErrDeviceFault, err)
		}
		return nil
	}

	port, err := thy.Open(thy.serialOptions())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceFault, err)
	}
	thy.writeMutex.Lock()
	old := thy.port
	thy.port = port
	thy.writeMutex.Unlock()
	old.Close()

	thy.mu.Lock()
	thy.faulted = nil
	for _, b := range thy.order {
		b.active = false
	}
	thy.mu.Unlock()

	thy.wg.Add(1)
	go thy.readNonce(port)
	thy.logger.Info("Port reopened", zap.String("port", thy.devPath))
	return nil
}

func (thy *Thyroid) Close() (err error) {
	thy.closeOnce.Do(func() {
		close(thy.driverQuit)
		thy.writeMutex.Lock()
		port := thy.port
		thy.writeMutex.Unlock()
		if port != nil {
			err = port.Close()
		}
		thy.wg.Wait()
		if thy.mux != nil {
			thy.mux.Close()
		}
	})
	return
}
