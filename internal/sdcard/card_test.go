package sdcard_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluesense-io/bluesense/internal/sdcard"
	"github.com/bluesense-io/bluesense/internal/sdcard/sdsim"
)

func TestCRC7Vectors(t *testing.T) {
	assert.Equal(t, byte(0x95), sdcard.CRC7([]byte{0x40, 0x00, 0x00, 0x00, 0x00}))
	assert.Equal(t, byte(0x87), sdcard.CRC7([]byte{0x48, 0x00, 0x00, 0x01, 0xAA}))
}

func TestInitAndDescriptor(t *testing.T) {
	sim := sdsim.NewCard(2048)
	card := sdcard.New(sim)

	require.NoError(t, card.Init())

	desc := card.Descriptor()
	assert.True(t, desc.HighCapacity)
	assert.Equal(t, uint64(2048), desc.CapacitySectors)
}

func TestBlockWriteThenRead(t *testing.T) {
	sim := sdsim.NewCard(16)
	card := sdcard.New(sim)
	require.NoError(t, card.Init())

	block := make([]byte, sdcard.BlockSize)
	for i := range block {
		block[i] = byte(i)
	}
	require.NoError(t, card.BlockWrite(3, block))

	got := make([]byte, sdcard.BlockSize)
	require.NoError(t, card.BlockRead(3, got))
	assert.Equal(t, block, got)

	assert.Equal(t, block, sim.BlockAt(3))
}

func TestEraseReturnsOnceCardReady(t *testing.T) {
	sim := sdsim.NewCard(16)
	card := sdcard.New(sim)
	require.NoError(t, card.Init())

	require.NoError(t, card.Erase(0, 15))
}

func TestMultiBlockWriteSession(t *testing.T) {
	sim := sdsim.NewCard(16)
	card := sdcard.New(sim)
	require.NoError(t, card.Init())

	session, err := card.OpenWriteMulti(0, 4)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		block := make([]byte, sdcard.BlockSize)
		block[0] = byte(i + 1)
		accepted, err := session.WriteBlock(block)
		require.NoError(t, err)
		assert.True(t, accepted)
	}
	require.NoError(t, session.Close())

	for i := 0; i < 4; i++ {
		got := sim.BlockAt(uint32(i))
		assert.Equal(t, byte(i+1), got[0])
	}
}

func TestStrictCRCAcceptsValidBlock(t *testing.T) {
	sim := sdsim.NewCard(16)
	card := sdcard.New(sim, sdcard.WithStrictCRC(true))
	require.NoError(t, card.Init())

	block := make([]byte, sdcard.BlockSize)
	for i := range block {
		block[i] = byte(i * 7)
	}
	require.NoError(t, card.BlockWrite(1, block))

	got := make([]byte, sdcard.BlockSize)
	require.NoError(t, card.BlockRead(1, got))
	assert.Equal(t, block, got)
}

func TestSDStatusDecodesAllocationUnitSize(t *testing.T) {
	sim := sdsim.NewCard(16)
	card := sdcard.New(sim)
	require.NoError(t, card.Init())

	status, err := card.SDStatus()
	require.NoError(t, err)
	assert.Equal(t, uint32(256*1024), status.AUSizeBytes)
	assert.True(t, status.EraseOffload)
}
