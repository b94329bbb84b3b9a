package bootloader

import "github.com/bluesense-io/bluesense/internal/errs"

type parserState int

const (
	stateStart parserState = iota
	stateSeq
	stateSizeHi
	stateSizeLo
	stateToken
	stateData
	stateChecksum
)

// Parser is the byte-at-a-time frame assembler: START → SEQ → SIZE_HI →
// SIZE_LO → TOKEN → DATA(size) → CHECKSUM. Any mismatch resets to START
// without advancing the sequence number, matching the protocol's
// error-recovery rule (a corrupt frame is simply discarded, not NAKed by
// sequence).
type Parser struct {
	st       parserState
	seq      byte
	size     int
	data     []byte
	sum      byte
	received int
}

// NewParser creates a frame parser at rest in the START state.
func NewParser() *Parser { return &Parser{} }

// Feed consumes one received byte. It returns a completed frame once the
// checksum byte validates, or a FrameError if the checksum fails — in both
// cases (and on any structural mismatch) the parser resets itself to
// START. Feed returns (nil, nil) while still assembling a frame.
func (p *Parser) Feed(b byte) (*Frame, error) {
	switch p.st {
	case stateStart:
		if b != frameStart {
			return nil, nil
		}
		p.sum = b
		p.st = stateSeq
		return nil, nil

	case stateSeq:
		p.seq = b
		p.sum ^= b
		p.st = stateSizeHi
		return nil, nil

	case stateSizeHi:
		p.size = int(b) << 8
		p.sum ^= b
		p.st = stateSizeLo
		return nil, nil

	case stateSizeLo:
		p.size |= int(b)
		p.sum ^= b
		p.st = stateToken
		return nil, nil

	case stateToken:
		if b != frameToken {
			p.reset()
			return nil, nil
		}
		p.sum ^= b
		if p.size > maxPayload {
			p.reset()
			return nil, nil
		}
		p.data = make([]byte, 0, p.size)
		p.received = 0
		if p.size == 0 {
			p.st = stateChecksum
		} else {
			p.st = stateData
		}
		return nil, nil

	case stateData:
		p.data = append(p.data, b)
		p.sum ^= b
		p.received++
		if p.received == p.size {
			p.st = stateChecksum
		}
		return nil, nil

	case stateChecksum:
		ok := b == p.sum
		seq, data := p.seq, p.data
		p.reset()
		if !ok {
			return nil, errs.New("bootloader.parse", errs.FrameError, "checksum mismatch")
		}
		return &Frame{Seq: seq, Payload: data}, nil
	}

	p.reset()
	return nil, nil
}

func (p *Parser) reset() {
	p.st = stateStart
	p.size = 0
	p.received = 0
	p.data = nil
}
