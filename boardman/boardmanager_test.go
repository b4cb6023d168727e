package boardman

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeGPIO struct {
	level  map[int]bool
	output map[int]bool
}

func newFakeGPIO() *fakeGPIO {
	return &fakeGPIO{level: map[int]bool{}, output: map[int]bool{}}
}

func (f *fakeGPIO) Output(pin int) { f.output[pin] = true }
func (f *fakeGPIO) High(pin int)   { f.level[pin] = true }
func (f *fakeGPIO) Low(pin int)    { f.level[pin] = false }

func TestSelectConsole(t *testing.T) {
	gpio := newFakeGPIO()
	m := New(gpio, DefaultPins, 8)
	for _, pin := range DefaultPins.UART {
		require.True(t, gpio.output[pin])
	}

	require.NoError(t, m.SelectConsole(5)) // 0101
	require.False(t, gpio.level[5])
	require.True(t, gpio.level[4])
	require.False(t, gpio.level[3])
	require.True(t, gpio.level[2])

	require.ErrorIs(t, m.SelectConsole(9), ErrNoSuchBoard)
	require.ErrorIs(t, m.SelectConsole(-1), ErrNoSuchBoard)
}

func TestResetReleases(t *testing.T) {
	gpio := newFakeGPIO()
	m := New(gpio, DefaultPins, 4)
	require.NoError(t, m.Reset(2))
	for _, pin := range DefaultPins.Reset {
		require.False(t, gpio.level[pin])
	}
}
