//Package boardman drives the GPIO lines that route the shared uart, jtag
//and reset signals to one board of a multi board rig.
package boardman

import (
	"errors"
	"fmt"
	"sync"

	"github.com/stianeikeland/go-rpio"
)

var ErrNoSuchBoard = errors.New("board index out of range")

//GPIO is the subset of pin operations the mux needs
type GPIO interface {
	Output(pin int)
	High(pin int)
	Low(pin int)
}

type rpioGPIO struct{}

func (rpioGPIO) Output(pin int) { rpio.Pin(pin).Output() }
func (rpioGPIO) High(pin int)   { rpio.Pin(pin).High() }
func (rpioGPIO) Low(pin int)    { rpio.Pin(pin).Low() }

//Pins holds the gray code select lines of each signal group, most significant first
type Pins struct {
	UART  []int
	JTAG  []int
	Reset []int
}

//DefaultPins matches the reference carrier board
var DefaultPins = Pins{
	UART:  []int{5, 4, 3, 2},
	JTAG:  []int{26, 25, 24, 6},
	Reset: []int{13, 12, 19, 18},
}

type Mux struct {
	mu     sync.Mutex
	gpio   GPIO
	pins   Pins
	boards int
	closer func() error
}

//Open maps /dev/gpiomem and prepares every select line as output
func Open(pins Pins, boards int) (*Mux, error) {
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("gpio: %w", err)
	}
	m := New(rpioGPIO{}, pins, boards)
	m.closer = rpio.Close
	return m, nil
}

//New builds a mux over an arbitrary GPIO implementation
func New(gpio GPIO, pins Pins, boards int) *Mux {
	m := &Mux{gpio: gpio, pins: pins, boards: boards}
	for _, group := range [][]int{pins.UART, pins.JTAG, pins.Reset} {
		for _, pin := range group {
			gpio.Output(pin)
		}
	}
	return m
}

func (m *Mux) Boards() int {
	return m.boards
}

//SelectConsole routes the uart to board
func (m *Mux) SelectConsole(board int) error {
	return m.selectPins(m.pins.UART, board)
}

func (m *Mux) SelectJTAG(board int) error {
	return m.selectPins(m.pins.JTAG, board)
}

//Reset pulses the reset line of board, then releases it
func (m *Mux) Reset(board int) error {
	if err := m.selectPins(m.pins.Reset, board+1); err != nil {
		return err
	}
	return m.selectPins(m.pins.Reset, 0)
}

func (m *Mux) selectPins(pins []int, id int) error {
	if id < 0 || id > m.boards || id >= 1<<uint(len(pins)) {
		return fmt.Errorf("%w: %d", ErrNoSuchBoard, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	gpionums := len(pins)
	for i, pin := range pins {
		if id>>uint(gpionums-1-i)&1 == 1 {
			m.gpio.High(pin)
		} else {
			m.gpio.Low(pin)
		}
	}
	return nil
}

func (m *Mux) Close() error {
	if m.closer != nil {
		return m.closer()
	}
	return nil
}
