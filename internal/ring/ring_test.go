package ring

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPanicsOnBadCapacity(t *testing.T) {
	assert.Panics(t, func() { New(0) })
	assert.Panics(t, func() { New(3) })
	assert.Panics(t, func() { New(1) })
}

func TestEmptyFullInvariants(t *testing.T) {
	b := New(8)
	assert.True(t, b.IsEmpty())
	assert.False(t, b.IsFull())
	assert.Equal(t, 0, b.Level())
	assert.Equal(t, 7, b.Free())

	for i := 0; i < 7; i++ {
		b.Push(byte(i))
	}
	assert.True(t, b.IsFull())
	assert.Equal(t, 7, b.Level())
	assert.Equal(t, 0, b.Free())
}

func TestLevelPlusFreeEqualsCapacityMinusOne(t *testing.T) {
	b := New(16)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		if rng.Intn(2) == 0 && !b.IsFull() {
			b.Push(byte(i))
		} else {
			b.Pop()
		}
		assert.Equal(t, b.Cap()-1, b.Level()+b.Free())
	}
}

func TestFIFOOrder(t *testing.T) {
	b := New(32)
	var pushed, popped []byte
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		if (rng.Intn(3) != 0 || b.IsEmpty()) && !b.IsFull() {
			v := byte(rng.Intn(256))
			b.Push(v)
			pushed = append(pushed, v)
		} else {
			v, ok := b.Pop()
			require.True(t, ok)
			popped = append(popped, v)
		}
	}
	for {
		v, ok := b.Pop()
		if !ok {
			break
		}
		popped = append(popped, v)
	}
	assert.Equal(t, pushed, popped)
}

func TestUnget(t *testing.T) {
	b := New(8)
	b.Push(1)
	b.Push(2)
	v, ok := b.Pop()
	require.True(t, ok)
	assert.Equal(t, byte(1), v)

	b.Unget(v)
	v2, ok := b.Pop()
	require.True(t, ok)
	assert.Equal(t, byte(1), v2)

	v3, ok := b.Pop()
	require.True(t, ok)
	assert.Equal(t, byte(2), v3)

	_, ok = b.Pop()
	assert.False(t, ok)
}

func TestPushNPopN(t *testing.T) {
	b := New(8)
	n := b.PushN([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9})
	assert.Equal(t, 7, n, "one slot reserved, only 7 of 8 capacity usable")

	out := make([]byte, 10)
	got := b.PopN(out)
	assert.Equal(t, 7, got)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7}, out[:got])
}

func TestConcurrentProducerConsumer(t *testing.T) {
	b := New(256)
	const total = 100000
	done := make(chan struct{})
	var produced, consumed []byte

	go func() {
		for i := 0; i < total; {
			if !b.IsFull() {
				b.Push(byte(i))
				produced = append(produced, byte(i))
				i++
			}
		}
		close(done)
	}()

	for len(consumed) < total {
		if v, ok := b.Pop(); ok {
			consumed = append(consumed, v)
		}
	}
	<-done
	assert.Equal(t, produced, consumed)
}
