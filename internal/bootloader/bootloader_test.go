package bootloader_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluesense-io/bluesense/internal/bootloader"
	"github.com/bluesense-io/bluesense/internal/errs"
)

type fakeMemory struct {
	flash  map[uint32]byte
	eeprom map[uint32]byte
	erased bool
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{flash: map[uint32]byte{}, eeprom: map[uint32]byte{}}
}

func (m *fakeMemory) WriteFlashPage(addr uint32, data []byte) error {
	for i, b := range data {
		m.flash[addr+uint32(i)] = b
	}
	return nil
}

func (m *fakeMemory) ReadFlash(addr uint32, n int) ([]byte, error) {
	out := make([]byte, n)
	for i := range out {
		out[i] = m.flash[addr+uint32(i)]
	}
	return out, nil
}

func (m *fakeMemory) WriteEEPROM(addr uint32, data []byte) error {
	for i, b := range data {
		m.eeprom[addr+uint32(i)] = b
	}
	return nil
}

func (m *fakeMemory) ReadEEPROM(addr uint32, n int) ([]byte, error) {
	out := make([]byte, n)
	for i := range out {
		out[i] = m.eeprom[addr+uint32(i)]
	}
	return out, nil
}

func (m *fakeMemory) ChipErase() error {
	m.flash = map[uint32]byte{}
	m.erased = true
	return nil
}

type fakeADC struct{ mv uint16 }

func (a *fakeADC) ReadBatteryMv() uint16 { return a.mv }

func req(seq byte, payload ...byte) bootloader.Frame {
	return bootloader.Frame{Seq: seq, Payload: payload}
}

func TestFrameRoundTripThenBitFlipReturnsFrameError(t *testing.T) {
	f := bootloader.Frame{Seq: 7, Payload: []byte{0x01, 0x02, 0x03}}
	raw := f.Encode()

	got, err := bootloader.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, f, got)

	raw[len(raw)-2] ^= 0x01 // flip a payload bit, leave checksum alone
	_, err = bootloader.Decode(raw)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.FrameError))
}

func TestParserFeedAssemblesFrameByteAtATime(t *testing.T) {
	f := bootloader.Frame{Seq: 3, Payload: []byte{0xAA, 0xBB}}
	raw := f.Encode()

	p := bootloader.NewParser()
	var got *bootloader.Frame
	for _, b := range raw {
		out, err := p.Feed(b)
		require.NoError(t, err)
		if out != nil {
			got = out
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, f, *got)
}

func TestParserRecoversFromCorruptionWithoutAdvancingSequence(t *testing.T) {
	good := bootloader.Frame{Seq: 9, Payload: []byte{0x01}}
	raw := good.Encode()
	raw[len(raw)-1] ^= 0x01 // corrupt checksum

	p := bootloader.NewParser()
	var lastErr error
	for _, b := range raw {
		_, err := p.Feed(b)
		if err != nil {
			lastErr = err
		}
	}
	require.Error(t, lastErr)
	assert.True(t, errs.Is(lastErr, errs.FrameError))

	// parser is back at START and can assemble a fresh, valid frame next
	raw2 := good.Encode()
	var got *bootloader.Frame
	for _, b := range raw2 {
		out, _ := p.Feed(b)
		if out != nil {
			got = out
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, good, *got)
}

func TestSignOnReportsAVRISP2(t *testing.T) {
	d := bootloader.NewDispatcher(bootloader.DefaultIdentity(), &fakeADC{}, newFakeMemory())
	reply := d.Process(req(1, 0x01))
	require.Len(t, reply.Payload, 11)
	assert.Equal(t, byte(0x01), reply.Payload[0])
	assert.Equal(t, byte(0x00), reply.Payload[1])
	assert.Equal(t, "AVRISP_2", string(reply.Payload[3:]))
}

func TestGetParameterReportsHWAndSWVersion(t *testing.T) {
	d := bootloader.NewDispatcher(bootloader.DefaultIdentity(), &fakeADC{}, newFakeMemory())

	reply := d.Process(req(2, 0x03, 0x90))
	assert.Equal(t, byte(0x0F), reply.Payload[2])

	reply = d.Process(req(3, 0x03, 0x91))
	assert.Equal(t, byte(2), reply.Payload[2])
}

func TestGetParameterReportsBatteryVoltageFromADC(t *testing.T) {
	d := bootloader.NewDispatcher(bootloader.DefaultIdentity(), &fakeADC{mv: 3700}, newFakeMemory())
	reply := d.Process(req(4, 0x03, 0x94))
	assert.Equal(t, byte(37), reply.Payload[2])
}

func TestLoadAddressThenProgramFlashWritesAtByteOffset(t *testing.T) {
	mem := newFakeMemory()
	d := bootloader.NewDispatcher(bootloader.DefaultIdentity(), &fakeADC{}, mem)

	// LOAD_ADDRESS word=0x0010 -> byte offset 0x20
	reply := d.Process(req(5, 0x06, 0x00, 0x00, 0x00, 0x10))
	require.Equal(t, byte(0x00), reply.Payload[1])

	data := []byte{1, 2, 3, 4}
	reply = d.Process(req(6, 0x13, 0x00, byte(len(data)), 1, 2, 3, 4))
	require.Equal(t, byte(0x00), reply.Payload[1])

	got, err := mem.ReadFlash(0x20, 4)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestReadFuseReportsLowHighExtended(t *testing.T) {
	d := bootloader.NewDispatcher(bootloader.DefaultIdentity(), &fakeADC{}, newFakeMemory())

	low := d.Process(req(7, 0x18, 0))
	assert.Equal(t, byte(0xFF), low.Payload[2])

	high := d.Process(req(8, 0x18, 1))
	assert.Equal(t, byte(0xD8), high.Payload[2])

	ext := d.Process(req(9, 0x18, 2))
	assert.Equal(t, byte(0xFC), ext.Payload[2])
}

func TestEnterThenLeaveProgModeInvokesLeaveHandler(t *testing.T) {
	called := false
	d := bootloader.NewDispatcher(bootloader.DefaultIdentity(), &fakeADC{}, newFakeMemory(),
		bootloader.WithLeaveHandler(func() { called = true }))

	d.Process(req(10, 0x10))
	d.Process(req(11, 0x11))
	assert.True(t, called)
}

func TestUnknownCommandReturnsCmdFailed(t *testing.T) {
	d := bootloader.NewDispatcher(bootloader.DefaultIdentity(), &fakeADC{}, newFakeMemory())
	reply := d.Process(req(12, 0xEE))
	require.Len(t, reply.Payload, 2)
	assert.Equal(t, byte(0xC0), reply.Payload[1])
}
