package dispatch_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluesense-io/bluesense/internal/dispatch"
	"github.com/bluesense-io/bluesense/internal/motion"
	"github.com/bluesense-io/bluesense/internal/nvconfig"
)

type fakeBackend struct {
	next [21]byte
}

func (f *fakeBackend) Configure(m motion.Mode) error { return nil }
func (f *fakeBackend) ReadBurst() ([21]byte, error)  { return f.next, nil }

type fakeClock struct{ t uint32 }

func (c *fakeClock) NowUs() uint32 { c.t += 1000; return c.t }

type fakeSink struct {
	writes [][]byte
	err    error
}

func (s *fakeSink) PutBuffer(data []byte) error {
	if s.err != nil {
		return s.err
	}
	cp := append([]byte(nil), data...)
	s.writes = append(s.writes, cp)
	return nil
}

func (s *fakeSink) PutChar(b byte) error { return s.PutBuffer([]byte{b}) }

func newPipeline(t *testing.T) *motion.Pipeline {
	t.Helper()
	p := motion.New(&fakeBackend{}, &fakeClock{}, 8)
	require.NoError(t, p.SetMode(motion.Modes[1], nil))
	return p
}

func TestAcquisitionModeDiscardsSamples(t *testing.T) {
	p := newPipeline(t)
	stream := &fakeSink{}
	d := dispatch.New(p, stream, nil, nvconfig.Default())

	p.Sense()
	d.Poll()

	assert.Empty(t, stream.writes)
	assert.Equal(t, dispatch.ModeAcquisition, d.Mode())
}

func TestStreamingModeRoutesEncodedSamplesToChannel(t *testing.T) {
	p := newPipeline(t)
	stream := &fakeSink{}
	d := dispatch.New(p, stream, nil, nvconfig.Default())

	require.NoError(t, d.EnterStreaming())
	p.Sense()
	p.Sense()
	d.Poll()

	require.Len(t, stream.writes, 2)
	assert.Len(t, stream.writes[0], 34)
}

func TestEnterLoggingWithoutFilesystemFails(t *testing.T) {
	p := newPipeline(t)
	d := dispatch.New(p, &fakeSink{}, nil, nvconfig.Default())

	err := d.EnterLogging(0)
	require.Error(t, err)
	assert.Equal(t, dispatch.ModeAcquisition, d.Mode())
}

func TestStreamingSinkErrorStopsRoutingWithoutCrashing(t *testing.T) {
	p := newPipeline(t)
	stream := &fakeSink{err: assert.AnError}
	d := dispatch.New(p, stream, nil, nvconfig.Default())

	require.NoError(t, d.EnterStreaming())
	p.Sense()
	assert.NotPanics(t, func() { d.Poll() })
}

func TestSyncCalibrationModeAppliesPersistedMode(t *testing.T) {
	p := newPipeline(t)
	cfg := nvconfig.Default()
	cfg.MagCalMode = nvconfig.MagCalUser
	d := dispatch.New(p, &fakeSink{}, nil, cfg)

	d.SyncCalibrationMode()

	assert.Equal(t, motion.CalUser, p.CalibrationMode())
	assert.Equal(t, nvconfig.MagCalUser, d.CalibrationModeForConfig())
}

func TestEnterBootloaderAndBackToAcquisition(t *testing.T) {
	p := newPipeline(t)
	d := dispatch.New(p, &fakeSink{}, nil, nvconfig.Default())

	require.NoError(t, d.EnterBootloader())
	assert.Equal(t, dispatch.ModeBootloader, d.Mode())

	require.NoError(t, d.EnterAcquisition())
	assert.Equal(t, dispatch.ModeAcquisition, d.Mode())
}
