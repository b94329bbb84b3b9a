package streamwriter_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluesense-io/bluesense/internal/sdcard"
	"github.com/bluesense-io/bluesense/internal/sdcard/sdsim"
	"github.com/bluesense-io/bluesense/internal/streamwriter"
)

func newWriter(t *testing.T, sectors uint32) (*streamwriter.StreamWriter, *sdsim.Card) {
	t.Helper()
	sim := sdsim.NewCard(sectors)
	card := sdcard.New(sim)
	require.NoError(t, card.Init())
	return streamwriter.New(card), sim
}

func TestStreamCacheWriteExactMultipleOfBlockSize(t *testing.T) {
	w, sim := newWriter(t, 16)
	w.Open(0, 0)

	data := make([]byte, 1024)
	for i := range data {
		data[i] = byte('A')
	}
	require.NoError(t, w.StreamCacheWrite(data))

	last, err := w.Close()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), last)

	assert.Equal(t, data[:512], sim.BlockAt(0))
	assert.Equal(t, data[512:], sim.BlockAt(1))
}

func TestStreamCacheWritePadsFinalPartialBlock(t *testing.T) {
	w, sim := newWriter(t, 16)
	w.Open(0, 0)

	data := make([]byte, 600)
	for i := range data {
		data[i] = byte('B')
	}
	require.NoError(t, w.StreamCacheWrite(data))

	last, err := w.Close()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), last)

	assert.Equal(t, data[:512], sim.BlockAt(0))
	second := sim.BlockAt(1)
	assert.Equal(t, data[512:600], second[:88])
	for _, b := range second[88:] {
		assert.Equal(t, byte(0x55), b)
	}
}

func TestStreamCacheWriteSplitAcrossManyCalls(t *testing.T) {
	w, sim := newWriter(t, 16)
	w.Open(0, 0)

	var full []byte
	for i := 0; i < 50; i++ {
		chunk := make([]byte, 37)
		for j := range chunk {
			chunk[j] = byte(i)
		}
		full = append(full, chunk...)
		require.NoError(t, w.StreamCacheWrite(chunk))
	}

	last, err := w.Close()
	require.NoError(t, err)

	blocks := int(last) + 1
	var got []byte
	for i := 0; i < blocks; i++ {
		got = append(got, sim.BlockAt(uint32(i))...)
	}
	assert.Equal(t, full, got[:len(full)])
}

func TestStreamCacheWriteAbsorbsStallIntoCache(t *testing.T) {
	w, sim := newWriter(t, 16)
	sim.SetBusyPolls(1000) // card stays busy well beyond the immediate poll attempts
	w.Open(0, 0)

	first := make([]byte, 512)
	for i := range first {
		first[i] = 0x41
	}
	require.NoError(t, w.StreamCacheWrite(first))

	// The block flush above entered must_wait; the card is still busy, so
	// a small follow-up write should be absorbed into the cache rather
	// than blocking.
	small := []byte{1, 2, 3}
	require.NoError(t, w.StreamCacheWrite(small))

	sim.SetBusyPolls(0)
	_, err := w.Close()
	require.NoError(t, err)

	second := sim.BlockAt(1)
	assert.Equal(t, small, second[:3])
}
