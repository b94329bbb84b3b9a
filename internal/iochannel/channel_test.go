package iochannel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEndpoint is an in-memory stand-in for the USB-over-I2C or Bluetooth
// UART link, analogous to an in-memory backend standing in for a real
// block device.
type fakeEndpoint struct {
	sent      []byte
	remote    []byte // bytes "buffered by the remote" waiting to be read
	writeErr  error
	queryErr  error
	readErr   error
	maxAccept int // 0 = unlimited
}

func (f *fakeEndpoint) Write(p []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	n := len(p)
	if f.maxAccept > 0 && n > f.maxAccept {
		n = f.maxAccept
	}
	f.sent = append(f.sent, p[:n]...)
	return n, nil
}

func (f *fakeEndpoint) QueryLevel() (int, error) {
	if f.queryErr != nil {
		return 0, f.queryErr
	}
	return len(f.remote), nil
}

func (f *fakeEndpoint) Read(p []byte) (int, error) {
	if f.readErr != nil {
		return 0, f.readErr
	}
	n := copy(p, f.remote)
	f.remote = f.remote[n:]
	return n, nil
}

func TestPutBufferAtomicity(t *testing.T) {
	ep := &fakeEndpoint{}
	c := New(ep, 4, 8, 64)

	err := c.PutBuffer([]byte{1, 2, 3, 4, 5, 6, 7}) // fits in 7 of 8 (one slot reserved)
	require.NoError(t, err)

	err = c.PutBuffer([]byte{9})
	assert.Error(t, err, "tx ring is now full, put_buffer must fail fully")
}

func TestTickDrainsTXRing(t *testing.T) {
	ep := &fakeEndpoint{}
	c := New(ep, 2, 64, 64)
	require.NoError(t, c.PutBuffer([]byte("hello")))

	for i := 0; i < 10; i++ {
		c.Tick()
	}
	assert.Equal(t, []byte("hello"), ep.sent)
}

func TestTickReadsFromRemote(t *testing.T) {
	ep := &fakeEndpoint{remote: []byte("world")}
	c := New(ep, 2, 64, 64)

	for i := 0; i < 10; i++ {
		c.Tick()
	}

	var got []byte
	for {
		b, ok := c.GetChar()
		if !ok {
			break
		}
		got = append(got, b)
	}
	assert.Equal(t, []byte("world"), got)
}

func TestRXFilterCanDropBytes(t *testing.T) {
	ep := &fakeEndpoint{remote: []byte{1, 2, 3, 4}}
	c := New(ep, 2, 64, 64)
	c.SetRXFilter(func(b byte) bool { return b != 2 })

	for i := 0; i < 10; i++ {
		c.Tick()
	}

	var got []byte
	for {
		b, ok := c.GetChar()
		if !ok {
			break
		}
		got = append(got, b)
	}
	assert.Equal(t, []byte{1, 3, 4}, got)
}

func TestDisconnectReportedOnWriteError(t *testing.T) {
	ep := &fakeEndpoint{writeErr: errors.New("link down")}
	c := New(ep, 2, 64, 64)
	require.NoError(t, c.PutBuffer([]byte{1}))

	c.Tick()
	assert.False(t, c.Connected())
}

func TestPartialWriteRequeuesRemainder(t *testing.T) {
	ep := &fakeEndpoint{maxAccept: 2}
	c := New(ep, 1, 64, 64)
	require.NoError(t, c.PutBuffer([]byte{1, 2, 3, 4}))

	for i := 0; i < 10; i++ {
		c.Tick()
	}
	assert.Equal(t, []byte{1, 2, 3, 4}, ep.sent)
}

func TestKConfigurableRange(t *testing.T) {
	ep := &fakeEndpoint{}
	c := New(ep, 0, 64, 64)
	assert.Equal(t, 1, c.k, "K below 1 clamps to 1")

	c2 := New(ep, 1000, 64, 64)
	assert.Equal(t, 128, c2.k, "K above 128 clamps to 128")

	c.SetK(5)
	assert.Equal(t, 5, c.k)
}
