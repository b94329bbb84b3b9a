package ufat_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluesense-io/bluesense/internal/errs"
	"github.com/bluesense-io/bluesense/internal/sdcard"
	"github.com/bluesense-io/bluesense/internal/sdcard/sdsim"
	"github.com/bluesense-io/bluesense/internal/ufat"
)

// newCard builds a simulated 32768-sector (16 MiB) card, sized so that
// format(2) divides its available clusters evenly with no rounding tie.
func newCard(t *testing.T) *sdcard.Card {
	t.Helper()
	sim := sdsim.NewCard(32768)
	card := sdcard.New(sim)
	require.NoError(t, card.Init())
	return card
}

func TestFormatThenMountRoundTrip(t *testing.T) {
	card := newCard(t)

	formatted, err := ufat.Format(card, 2)
	require.NoError(t, err)
	require.True(t, formatted.Available())
	require.Equal(t, 2, formatted.LogCount())

	mounted, err := ufat.Mount(card)
	require.NoError(t, err)
	require.True(t, mounted.Available())

	wantEntries := formatted.LogEntries()
	gotEntries := mounted.LogEntries()
	require.Len(t, gotEntries, len(wantEntries))
	for i := range wantEntries {
		assert.Equal(t, wantEntries[i].StartCluster, gotEntries[i].StartCluster)
		assert.Equal(t, wantEntries[i].SizeClusters, gotEntries[i].SizeClusters)
	}
}

func TestLogEntriesAreClusterAlignedAndContiguous(t *testing.T) {
	card := newCard(t)
	fs, err := ufat.Format(card, 2)
	require.NoError(t, err)

	entries := fs.LogEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, uint32(ufat.LogOffsetCluster), entries[0].StartCluster)
	assert.Equal(t, entries[0].StartCluster+entries[0].SizeClusters, entries[1].StartCluster)
	assert.Equal(t, entries[0].SizeClusters, entries[1].SizeClusters)
}

func TestLogOpenWriteCloseThenReopenSeesSize(t *testing.T) {
	card := newCard(t)
	fs, err := ufat.Format(card, 2)
	require.NoError(t, err)

	sink, err := fs.LogOpen(0)
	require.NoError(t, err)

	payload := []byte("hello wearable log\n")
	require.NoError(t, sink.PutBuffer(payload))
	require.NoError(t, sink.Close())

	assert.Equal(t, uint32(len(payload)), fs.LogEntries()[0].Size)

	mounted, err := ufat.Mount(card)
	require.NoError(t, err)
	assert.Equal(t, uint32(len(payload)), mounted.LogEntries()[0].Size)
}

func TestLogOpenRejectsSecondConcurrentOpen(t *testing.T) {
	card := newCard(t)
	fs, err := ufat.Format(card, 2)
	require.NoError(t, err)

	_, err = fs.LogOpen(0)
	require.NoError(t, err)

	_, err = fs.LogOpen(1)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ProtocolError))
}

func TestLogWriteBeyondCapacityReturnsLogFull(t *testing.T) {
	card := newCard(t)
	fs, err := ufat.Format(card, 2)
	require.NoError(t, err)

	sink, err := fs.LogOpen(0)
	require.NoError(t, err)

	capacity := fs.LogEntries()[0].SizeClusters
	_ = capacity

	tooBig := make([]byte, int(fs.LogEntries()[0].SizeClusters)*ufat.ClusterSizeBytes+1)
	err = sink.PutBuffer(tooBig)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.LogFull))
}

func TestMountRejectsUnformattedCard(t *testing.T) {
	sim := sdsim.NewCard(32768)
	card := sdcard.New(sim)
	require.NoError(t, card.Init())

	fs, err := ufat.Mount(card)
	require.Error(t, err)
	assert.False(t, fs.Available())
	assert.True(t, errs.Is(err, errs.FsUnavailable))
}
