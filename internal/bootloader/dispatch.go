package bootloader

import "github.com/bluesense-io/bluesense/internal/logging"

// Dispatcher owns the STK500v2 command state: device identity, the
// page/byte address tracked across LOAD_ADDRESS calls, and the flash/
// EEPROM backing store. One Dispatcher processes frames from one Parser.
type Dispatcher struct {
	identity DeviceIdentity
	adc      ADCReader
	mem      Memory
	onLeave  LeaveHandler
	log      *logging.Logger

	progMode bool
	address  uint32 // byte offset, tracked across LOAD_ADDRESS
	pageBuf  []byte
}

// Option configures a Dispatcher at construction.
type Option func(*Dispatcher)

func WithLogger(l *logging.Logger) Option    { return func(d *Dispatcher) { d.log = l } }
func WithLeaveHandler(h LeaveHandler) Option { return func(d *Dispatcher) { d.onLeave = h } }

// NewDispatcher creates a dispatcher reporting identity, reading battery
// voltage from adc, and programming mem.
func NewDispatcher(identity DeviceIdentity, adc ADCReader, mem Memory, opts ...Option) *Dispatcher {
	d := &Dispatcher{identity: identity, adc: adc, mem: mem, log: logging.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Process runs one request frame through the command table and returns
// the reply frame, echoing the request's sequence number. An unrecognised
// command yields STATUS_CMD_FAILED rather than an error: the protocol has
// no notion of "this request could not be parsed as a known op" beyond
// that status byte.
func (d *Dispatcher) Process(req Frame) Frame {
	if len(req.Payload) == 0 {
		return Frame{Seq: req.Seq, Payload: []byte{statusCmdFailed}}
	}
	cmd := req.Payload[0]
	body := req.Payload[1:]

	var reply []byte
	switch cmd {
	case cmdSignOn:
		reply = d.handleSignOn(cmd)
	case cmdSPIMulti:
		reply = d.handleSPIMulti(cmd, body)
	case cmdGetParameter:
		reply = d.handleGetParameter(cmd, body)
	case cmdSetParameter:
		reply = []byte{cmd, statusCmdOK}
	case cmdEnterProgModeISP:
		d.progMode = true
		reply = []byte{cmd, statusCmdOK}
	case cmdLeaveProgModeISP:
		d.progMode = false
		reply = []byte{cmd, statusCmdOK}
		if d.onLeave != nil {
			d.onLeave()
		}
	case cmdLoadAddress:
		reply = d.handleLoadAddress(cmd, body)
	case cmdProgramFlashISP:
		reply = d.handleProgramFlash(cmd, body)
	case cmdReadFlashISP:
		reply = d.handleReadFlash(cmd, body)
	case cmdProgramEEPROMISP:
		reply = d.handleProgramEEPROM(cmd, body)
	case cmdReadEEPROMISP:
		reply = d.handleReadEEPROM(cmd, body)
	case cmdReadSignatureISP:
		reply = d.handleReadSignature(cmd, body)
	case cmdReadLockISP:
		reply = []byte{cmd, statusCmdOK, d.identity.LockBits, statusCmdOK}
	case cmdReadFuseISP:
		reply = d.handleReadFuse(cmd, body)
	case cmdChipEraseISP:
		reply = d.handleChipErase(cmd)
	default:
		reply = []byte{cmd, statusCmdFailed}
	}
	return Frame{Seq: req.Seq, Payload: reply}
}

func (d *Dispatcher) handleSignOn(cmd byte) []byte {
	sig := []byte("AVRISP_2")
	out := append([]byte{cmd, statusCmdOK, byte(len(sig))}, sig...)
	return out
}

// handleSPIMulti emulates the raw SPI instructions a real ISP programmer
// sends through SPI_MULTI: signature-byte reads (0x30) and fuse-byte reads
// (0x50 0x00 low fuse, 0x58 0x08 high fuse, 0x50 0x08 extended fuse).
func (d *Dispatcher) handleSPIMulti(cmd byte, body []byte) []byte {
	if len(body) < 4 {
		return []byte{cmd, statusCmdFailed}
	}
	numTx := int(body[0])
	numRx := int(body[1])
	rxStart := int(body[2])
	txData := body[3:]
	if len(txData) < numTx {
		return []byte{cmd, statusCmdFailed}
	}

	out := make([]byte, 0, numRx)
	for i := 0; i < numRx; i++ {
		var answer byte
		if rxStart+i < len(txData) {
			switch txData[0] {
			case 0x30: // read signature byte: instruction is 0x30 0x00 index
				if len(txData) > 2 {
					answer = d.signatureByte(txData[2])
				}
			case 0x50: // read low fuse (0x50 0x00) or extended fuse (0x50 0x08)
				if len(txData) > 1 && txData[1] == 0x08 {
					answer = d.identity.FuseExt
				} else {
					answer = d.identity.FuseLow
				}
			case 0x58: // read high fuse
				answer = d.identity.FuseHigh
			}
		}
		out = append(out, answer)
	}

	reply := []byte{cmd, statusCmdOK}
	reply = append(reply, out...)
	reply = append(reply, statusCmdOK)
	return reply
}

func (d *Dispatcher) signatureByte(index byte) byte {
	if int(index) < len(d.identity.Signature) {
		return d.identity.Signature[index]
	}
	return 0
}

func (d *Dispatcher) handleGetParameter(cmd byte, body []byte) []byte {
	if len(body) < 1 {
		return []byte{cmd, statusCmdFailed}
	}
	var value byte
	switch body[0] {
	case paramBuildNumberLow:
		value = 0
	case paramBuildNumberHigh:
		value = 0
	case paramHWVer:
		value = d.identity.HWVersion
	case paramSWMajor:
		value = d.identity.SWMajor
	case paramSWMinor:
		value = d.identity.SWMinor
	case paramVTarget:
		if d.adc != nil {
			value = byte(d.adc.ReadBatteryMv() / 100) // deci-volts, the STK500v2 VTARGET encoding
		}
	default:
		return []byte{cmd, statusCmdFailed}
	}
	return []byte{cmd, statusCmdOK, value}
}

// handleLoadAddress tracks the byte-offset address across calls; the wire
// value is a word address (big-endian on the original UART framing but
// byte order doesn't matter for this host-side reimplementation's own
// wire format as long as Encode/Decode agree), shifted left one bit to a
// byte address per the protocol convention.
func (d *Dispatcher) handleLoadAddress(cmd byte, body []byte) []byte {
	if len(body) < 4 {
		return []byte{cmd, statusCmdFailed}
	}
	word := uint32(body[0])<<24 | uint32(body[1])<<16 | uint32(body[2])<<8 | uint32(body[3])
	d.address = word * 2
	return []byte{cmd, statusCmdOK}
}

func (d *Dispatcher) handleProgramFlash(cmd byte, body []byte) []byte {
	if len(body) < 2 {
		return []byte{cmd, statusCmdFailed}
	}
	size := int(body[0])<<8 | int(body[1])
	if len(body) < 2+size {
		return []byte{cmd, statusCmdFailed}
	}
	data := body[2 : 2+size]
	if err := d.mem.WriteFlashPage(d.address, data); err != nil {
		return []byte{cmd, statusCmdFailed}
	}
	d.address += uint32(size)
	return []byte{cmd, statusCmdOK}
}

func (d *Dispatcher) handleReadFlash(cmd byte, body []byte) []byte {
	if len(body) < 2 {
		return []byte{cmd, statusCmdFailed}
	}
	size := int(body[0])<<8 | int(body[1])
	data, err := d.mem.ReadFlash(d.address, size)
	if err != nil {
		return []byte{cmd, statusCmdFailed}
	}
	d.address += uint32(size)
	reply := append([]byte{cmd, statusCmdOK}, data...)
	return append(reply, statusCmdOK)
}

func (d *Dispatcher) handleProgramEEPROM(cmd byte, body []byte) []byte {
	if len(body) < 2 {
		return []byte{cmd, statusCmdFailed}
	}
	size := int(body[0])<<8 | int(body[1])
	if len(body) < 2+size {
		return []byte{cmd, statusCmdFailed}
	}
	data := body[2 : 2+size]
	if err := d.mem.WriteEEPROM(d.address, data); err != nil {
		return []byte{cmd, statusCmdFailed}
	}
	d.address += uint32(size)
	return []byte{cmd, statusCmdOK}
}

func (d *Dispatcher) handleReadEEPROM(cmd byte, body []byte) []byte {
	if len(body) < 2 {
		return []byte{cmd, statusCmdFailed}
	}
	size := int(body[0])<<8 | int(body[1])
	data, err := d.mem.ReadEEPROM(d.address, size)
	if err != nil {
		return []byte{cmd, statusCmdFailed}
	}
	d.address += uint32(size)
	reply := append([]byte{cmd, statusCmdOK}, data...)
	return append(reply, statusCmdOK)
}

func (d *Dispatcher) handleReadSignature(cmd byte, body []byte) []byte {
	if len(body) < 1 {
		return []byte{cmd, statusCmdFailed}
	}
	return []byte{cmd, statusCmdOK, d.signatureByte(body[0]), statusCmdOK}
}

func (d *Dispatcher) handleReadFuse(cmd byte, body []byte) []byte {
	fuse := d.identity.FuseLow
	if len(body) >= 1 {
		switch body[0] {
		case 1:
			fuse = d.identity.FuseHigh
		case 2:
			fuse = d.identity.FuseExt
		}
	}
	return []byte{cmd, statusCmdOK, fuse, statusCmdOK}
}

func (d *Dispatcher) handleChipErase(cmd byte) []byte {
	if err := d.mem.ChipErase(); err != nil {
		return []byte{cmd, statusCmdFailed}
	}
	// stk5002.c deliberately returns FAILED here even on success (issue
	// 543 in the original tracker) rather than OK; matched for fidelity.
	return []byte{cmd, statusCmdFailed}
}
