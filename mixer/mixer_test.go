// SPDX-License-Identifier: MPL-2.0

package mixer

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickSumsEnabledSlots(t *testing.T) {
	e := NewEngine(8000, 20)
	a := e.AddSlot("a")
	b := e.AddSlot("b")
	e.Enable("a", true)
	e.Enable("b", true)

	require.NoError(t, a.Put(constFrame(e.FrameLen(), 100)))
	require.NoError(t, b.Put(constFrame(e.FrameLen(), 200)))

	var gotA, gotB []int16
	e.SetTap("a", func(f Frame) error { gotA = f; return nil })
	e.SetTap("b", func(f Frame) error { gotB = f; return nil })

	require.NoError(t, e.Tick())

	// self-echo exclusion: a hears only b's contribution, and vice versa.
	assert.Equal(t, int16(200), gotA[0])
	assert.Equal(t, int16(100), gotB[0])
}

func TestTickDisabledSlotDoesNotContribute(t *testing.T) {
	e := NewEngine(8000, 20)
	a := e.AddSlot("a")
	b := e.AddSlot("b")
	e.Enable("a", true)
	// b left disabled

	require.NoError(t, a.Put(constFrame(e.FrameLen(), 50)))
	require.NoError(t, b.Put(constFrame(e.FrameLen(), 999)))

	var gotA []int16
	e.SetTap("a", func(f Frame) error { gotA = f; return nil })
	require.NoError(t, e.Tick())

	// a is alone in the mix, so after self-exclusion it hears silence.
	assert.Equal(t, int16(0), gotA[0])
}

func TestTickSaturatesOnOverflow(t *testing.T) {
	e := NewEngine(8000, 20)
	a := e.AddSlot("a")
	b := e.AddSlot("b")
	e.Enable("a", true)
	e.Enable("b", true)

	require.NoError(t, a.Put(constFrame(e.FrameLen(), math.MaxInt16)))
	require.NoError(t, b.Put(constFrame(e.FrameLen(), math.MaxInt16)))

	var gotA []int16
	e.SetTap("a", func(f Frame) error { gotA = f; return nil })
	require.NoError(t, e.Tick())

	assert.Equal(t, int16(math.MaxInt16), gotA[0])
}

func TestRemoveSlotDropsItFromMix(t *testing.T) {
	e := NewEngine(8000, 20)
	a := e.AddSlot("a")
	e.Enable("a", true)
	require.NoError(t, a.Put(constFrame(e.FrameLen(), 123)))

	e.RemoveSlot("a")
	assert.NoError(t, e.Tick())
}

func TestTickRunsEveryTapEvenWhenOneErrors(t *testing.T) {
	e := NewEngine(8000, 20)
	a := e.AddSlot("a")
	b := e.AddSlot("b")
	c := e.AddSlot("c")
	e.Enable("a", true)
	e.Enable("b", true)
	e.Enable("c", true)

	require.NoError(t, a.Put(constFrame(e.FrameLen(), 10)))
	require.NoError(t, b.Put(constFrame(e.FrameLen(), 20)))
	require.NoError(t, c.Put(constFrame(e.FrameLen(), 30)))

	var gotA, gotC []int16
	var bCalls int
	e.SetTap("a", func(f Frame) error { gotA = f; return nil })
	e.SetTap("b", func(f Frame) error { bCalls++; return errors.New("no reader attached yet") })
	e.SetTap("c", func(f Frame) error { gotC = f; return nil })

	err := e.Tick()
	assert.Error(t, err)

	// b's tap erroring must not stop a's and c's taps from being invoked.
	assert.Equal(t, 1, bCalls)
	assert.NotNil(t, gotA)
	assert.NotNil(t, gotC)
	assert.Equal(t, int16(50), gotA[0])
	assert.Equal(t, int16(30), gotC[0])
}

func constFrame(n int, v int16) []int16 {
	f := make([]int16, n)
	for i := range f {
		f[i] = v
	}
	return f
}
