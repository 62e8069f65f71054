package transport

import (
	"encoding/binary"

	someip "github.com/go-someip/someip"
)

// MaxFrameSize bounds how large a single SOME/IP frame's declared length
// may be before the stream parser treats it as corrupt and resyncs, rather
// than blocking forever waiting for bytes that will never arrive.
const MaxFrameSize = 1 << 20 // 1 MiB

// MaxResyncScan bounds how many garbage bytes the parser will scan while
// hunting for the next magic cookie. Past it the parser reports overflow
// and the owner drops the connection.
const MaxResyncScan = 64 * 1024

// Magic-cookie message ids: client and service variants.
var (
	clientCookieID  = someip.MessageID(0xFFFF, 0x0000)
	serviceCookieID = someip.MessageID(0xFFFF, 0x8000)
)

// isCookieStart reports whether a header whose message_id and length fields
// read id and length marks a magic-cookie frame boundary.
func isCookieStart(id, length uint32) bool {
	return (id == clientCookieID || id == serviceCookieID) && length == 8
}

// StreamParser reassembles a byte stream (TCP) into complete SOME/IP wire
// frames, framing strictly by the header's length field. Magic-cookie
// frames delimit the stream: they are consumed silently, and when the
// parser desynchronizes it scans forward byte-by-byte for the next cookie
// rather than trusting a shifted length field. It is not safe for
// concurrent use; each TCP connection owns one.
type StreamParser struct {
	buf      []byte
	desynced bool
	scanned  int // garbage bytes discarded in the current resync episode
}

// NewStreamParser returns an empty parser.
func NewStreamParser() *StreamParser {
	return &StreamParser{}
}

// Feed appends newly read bytes and returns every complete frame that can
// now be extracted, in order. Partial trailing bytes remain buffered for
// the next call. Check Overflowed afterwards: a parser that scanned past
// MaxResyncScan without finding a cookie wants its connection dropped.
func (p *StreamParser) Feed(data []byte) [][]byte {
	p.buf = append(p.buf, data...)

	var frames [][]byte
	for {
		frame, consumed, ok := p.tryExtract()
		if !ok {
			break
		}
		if frame != nil {
			frames = append(frames, frame)
		}
		p.buf = p.buf[consumed:]
	}
	return frames
}

// Overflowed reports whether the parser gave up resynchronizing: more than
// MaxResyncScan bytes scanned without a magic cookie. The owner should
// close the connection and Reset the parser.
func (p *StreamParser) Overflowed() bool {
	return p.scanned > MaxResyncScan
}

// tryExtract attempts to pull one frame off the front of the buffer.
// ok is false when more bytes are needed. consumed may be >0 with a nil
// frame when the parser consumed a magic cookie or discarded desynced
// bytes while resyncing.
func (p *StreamParser) tryExtract() (frame []byte, consumed int, ok bool) {
	if p.desynced {
		return p.resync()
	}
	const lengthFieldEnd = 8 // service_id(2) + method_id(2) + length(4)
	if len(p.buf) < lengthFieldEnd {
		return nil, 0, false
	}
	id := binary.BigEndian.Uint32(p.buf[0:4])
	length := binary.BigEndian.Uint32(p.buf[4:8])
	if isCookieStart(id, length) {
		if len(p.buf) < someip.HeaderLength {
			return nil, 0, false
		}
		// Cookies delimit the stream; consume, never deliver.
		return nil, someip.HeaderLength, true
	}
	if length < 8 || length > MaxFrameSize {
		p.desynced = true
		return p.resync()
	}
	// protocol_version sits at offset 12 in every frame (length>=8 already
	// guarantees total>=16). A stream that desyncs mid-frame will often
	// still carry a plausible length field by coincidence; checking the
	// known protocol_version before committing to that length keeps the
	// parser from waiting on bytes a garbage header promised.
	if len(p.buf) >= 13 && p.buf[12] != someip.ProtocolVersion {
		p.desynced = true
		return p.resync()
	}
	total := lengthFieldEnd + int(length)
	if len(p.buf) < total {
		return nil, 0, false
	}

	frame = make([]byte, total)
	copy(frame, p.buf[:total])
	if _, err := someip.DeserializeMessage(frame); err != nil {
		p.desynced = true
		return p.resync()
	}
	return frame, total, true
}

// resync scans the buffered bytes for the next magic-cookie pattern
// (message_id 0xFFFF0000 or 0xFFFF8000 with length 8), discarding
// everything before it. Framing resumes at the cookie; bytes that can
// never start a cookie are dropped and counted against MaxResyncScan.
func (p *StreamParser) resync() (frame []byte, consumed int, ok bool) {
	for i := 0; i+8 <= len(p.buf); i++ {
		id := binary.BigEndian.Uint32(p.buf[i : i+4])
		length := binary.BigEndian.Uint32(p.buf[i+4 : i+8])
		if !isCookieStart(id, length) {
			continue
		}
		p.desynced = false
		p.scanned = 0
		if i > 0 {
			// Discard the garbage run; the cookie itself is consumed by
			// the next synced extraction.
			return nil, i, true
		}
		if len(p.buf) < someip.HeaderLength {
			return nil, 0, false
		}
		return nil, someip.HeaderLength, true
	}
	// No cookie yet. All but the last 7 bytes can never begin one, so
	// they are garbage for good.
	if drop := len(p.buf) - 7; drop > 0 {
		p.scanned += drop
		return nil, drop, true
	}
	return nil, 0, false
}

// Reset discards any buffered partial frame and clears the resync state,
// used after a connection is torn down and its parser is about to be
// reused.
func (p *StreamParser) Reset() {
	p.buf = p.buf[:0]
	p.desynced = false
	p.scanned = 0
}

// SplitDatagram splits one UDP datagram into the SOME/IP frames it carries,
// by repeatedly reading a header and consuming length+8 bytes. A partial or
// implausible tail ends the split with ErrMalformedMessage; frames already
// extracted are still returned so a corrupt tail never costs the messages
// ahead of it.
func SplitDatagram(data []byte) ([][]byte, error) {
	var frames [][]byte
	for len(data) > 0 {
		if len(data) < someip.HeaderLength {
			return frames, someip.ErrMalformedMessage
		}
		length := binary.BigEndian.Uint32(data[4:8])
		if length < 8 || length > MaxFrameSize {
			return frames, someip.ErrMalformedMessage
		}
		total := 8 + int(length)
		if len(data) < total {
			return frames, someip.ErrMalformedMessage
		}
		frame := make([]byte, total)
		copy(frame, data[:total])
		frames = append(frames, frame)
		data = data[total:]
	}
	return frames, nil
}
