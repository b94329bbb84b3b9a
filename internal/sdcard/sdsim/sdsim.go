// Package sdsim provides an in-memory SPI transport standing in for a real
// SD card, analogous to an in-memory block backend standing in for a real
// disk. It implements just enough of the command/response and block
// read/write protocol to drive internal/sdcard through Init and ordinary
// I/O in tests, without touching real hardware.
package sdsim

import (
	"sync"

	"github.com/bluesense-io/bluesense/internal/sdcard"
)

const blockSize = 512

// Card simulates an SDHC card: CMD0/CMD8/ACMD41/CMD58 bring it out of idle,
// CMD9/CMD10 report a fixed CSD/CID, and CMD17/CMD24/CMD25 read and write a
// backing byte slice.
type Card struct {
	mu sync.Mutex

	sectors        uint32
	data           []byte
	cid, csd       [16]byte
	fastClock      bool
	selected       bool
	idleEntered    bool
	opCondDone     bool
	appCmdPending  bool
	busyPolls      int // remaining "busy" polls to return before ready, simulates program latency
	writeTarget    uint32
	writeMulti     bool
	respQueue      [][]byte
}

// NewCard creates a simulated card of the given sector count, with CSD
// version 2 fields set so Card.Init's capacity derivation exercises the
// real path.
func NewCard(sectors uint32) *Card {
	c := &Card{
		sectors: sectors,
		data:    make([]byte, int(sectors)*blockSize),
	}
	c.csd[0] = 1 << 6 // CSD version 2.0
	cSize := sectors/1024 - 1
	c.csd[7] = byte(cSize >> 16 & 0x3F)
	c.csd[8] = byte(cSize >> 8)
	c.csd[9] = byte(cSize)
	c.cid[0] = 'S'
	c.cid[1] = 'I'
	c.cid[2] = 'M'
	return c
}

// BlockAt returns a view of sector n's backing bytes, for test assertions.
func (c *Card) BlockAt(sector uint32) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	off := int(sector) * blockSize
	out := make([]byte, blockSize)
	copy(out, c.data[off:off+blockSize])
	return out
}

// SetBusyPolls configures how many consecutive "still programming" polls a
// write must see before the card reports ready, to exercise must-wait /
// cache-overlap logic in the streaming writer.
func (c *Card) SetBusyPolls(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busyPolls = n
}

type guard struct{ c *Card }

func (g guard) Close() error {
	g.c.mu.Lock()
	g.c.selected = false
	g.c.mu.Unlock()
	return nil
}

// Select implements sdcard.Transport.
func (c *Card) Select() (sdcard.Guard, error) {
	c.mu.Lock()
	c.selected = true
	c.mu.Unlock()
	return guard{c}, nil
}

// SetFastClock implements sdcard.Transport.
func (c *Card) SetFastClock() error {
	c.mu.Lock()
	c.fastClock = true
	c.mu.Unlock()
	return nil
}

// Exchange implements sdcard.Transport. It special-cases command frames (6
// bytes starting 0x40-0x7F), block-write frames (starting with a start
// token), and the stop-tran token; everything else is treated as a filler
// poll that drains the pending response queue.
func (c *Card) Exchange(out []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(out) == 6 && out[0]&0xC0 == 0x40 {
		c.handleCommand(out)
		return make([]byte, len(out)), nil
	}

	if len(out) >= 3 && (out[0] == 0xFE || out[0] == 0xFC) {
		c.handleBlockWrite(out)
		return make([]byte, len(out)), nil
	}

	if len(out) == 1 && out[0] == 0xFD {
		c.writeMulti = false
		c.busyPolls = 2
		return []byte{0x00}, nil
	}

	if len(c.respQueue) > 0 && len(out) == len(c.respQueue[0]) {
		chunk := c.respQueue[0]
		c.respQueue = c.respQueue[1:]
		return chunk, nil
	}

	// Busy/ready poll: every raw 0xFF probe of length 1 consults the busy
	// countdown before reporting ready.
	if len(out) == 1 {
		if c.busyPolls > 0 {
			c.busyPolls--
			return []byte{0x00}, nil
		}
		return []byte{0xFF}, nil
	}

	resp := make([]byte, len(out))
	for i := range resp {
		resp[i] = 0xFF
	}
	return resp, nil
}

func (c *Card) handleCommand(frame []byte) {
	index := frame[0] & 0x3F
	arg := uint32(frame[1])<<24 | uint32(frame[2])<<16 | uint32(frame[3])<<8 | uint32(frame[4])

	appCmd := c.appCmdPending
	c.appCmdPending = false

	switch {
	case index == 0: // CMD0
		c.idleEntered = true
		c.opCondDone = false
		c.queueR1(0x01)
	case index == 8: // CMD8
		c.queueR1(0x01)
		c.respQueue = append(c.respQueue, []byte{0x00, 0x00, byte(arg >> 8), byte(arg)})
	case index == 55: // CMD55
		c.appCmdPending = true
		c.queueR1(0x01)
	case appCmd && index == 41: // ACMD41
		c.opCondDone = true
		c.queueR1(0x00)
	case index == 58: // CMD58
		ocr := byte(0x40) // CCS bit set: SDHC
		c.queueR1(0x00)
		c.respQueue = append(c.respQueue, []byte{ocr, 0xFF, 0x80, 0x00})
	case index == 16: // CMD16 (set block len, no-op for SDHC)
		c.queueR1(0x00)
	case index == 9: // CMD9 (CSD)
		c.queueR1(0x00)
		c.queueDataBlock(c.csd[:])
	case index == 10: // CMD10 (CID)
		c.queueR1(0x00)
		c.queueDataBlock(c.cid[:])
	case index == 17: // CMD17 single read
		c.queueR1(0x00)
		off := int(arg) * blockSize
		c.queueDataBlock(c.data[off : off+blockSize])
	case index == 24: // CMD24 single write
		c.writeTarget = arg
		c.writeMulti = false
		c.queueR1(0x00)
	case index == 25: // CMD25 multi write
		c.writeTarget = arg
		c.writeMulti = true
		c.queueR1(0x00)
	case appCmd && index == 23: // ACMD23 pre-erase count
		c.queueR1(0x00)
	case appCmd && index == 13: // ACMD13 SD status
		c.queueR1(0x00)
		var status [64]byte
		status[10] = 0x51 // AU_SIZE code 5 (256KB), erase-offload bit set
		status[12] = 2    // erase timeout units
		c.queueDataBlock(status[:])
	case index == 32, index == 33: // CMD32/33 erase range
		c.queueR1(0x00)
	case index == 38: // CMD38 erase
		c.queueR1(0x00)
		c.busyPolls = 1
	default:
		c.queueR1(0x04) // illegal command
	}
}

func (c *Card) queueR1(r1 byte) {
	c.respQueue = append(c.respQueue, []byte{r1})
}

func (c *Card) queueDataBlock(data []byte) {
	c.respQueue = append(c.respQueue, []byte{0xFE})
	crc := sdcard.CRC16(data)
	payload := make([]byte, len(data)+2)
	copy(payload, data)
	payload[len(data)] = byte(crc >> 8)
	payload[len(data)+1] = byte(crc)
	c.respQueue = append(c.respQueue, payload)
}

func (c *Card) handleBlockWrite(frame []byte) {
	data := frame[1 : len(frame)-2]
	off := int(c.writeTarget) * blockSize
	copy(c.data[off:off+len(data)], data)
	if c.writeMulti {
		c.writeTarget++
	}
	c.respQueue = append(c.respQueue, []byte{0x05})
}

var _ sdcard.Transport = (*Card)(nil)
