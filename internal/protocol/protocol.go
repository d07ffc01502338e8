// Package protocol implements the length-prefixed wire format spoken between
// empdb clients and the server.
//
// Every message is a 6-octet header followed by a typed body:
//
//	offset  size  field
//	0       4     kind, big-endian
//	4       2     body length, big-endian
//	6       len   body
//
// The one deviation from strict length-prefixed framing is ListResp: its len
// field covers only the 2-octet record count, and the record stream that
// follows is written raw on the wire. Receivers must read exactly count
// record-sized chunks after the frame.
package protocol

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Version is the protocol version exchanged at hello time. It must match
// exactly between peer and server.
const Version uint16 = 1

const (
	// HeaderSize is the fixed frame header length in octets.
	HeaderSize = 6

	// MaxFrameSize bounds a complete frame, header included. It is also the
	// receive buffer size a connection needs to reassemble any valid frame.
	MaxFrameSize = 4096

	// MaxBodySize is the largest body length a frame header may declare.
	MaxBodySize = MaxFrameSize - HeaderSize
)

// Kind identifies a message type on the wire.
type Kind uint32

const (
	KindHelloReq Kind = iota
	KindHelloResp
	KindListReq
	KindListResp
	KindAddReq
	KindAddResp
	KindDelReq
	KindDelResp
	KindError

	kindMax
)

func (k Kind) String() string {
	switch k {
	case KindHelloReq:
		return "HelloReq"
	case KindHelloResp:
		return "HelloResp"
	case KindListReq:
		return "ListReq"
	case KindListResp:
		return "ListResp"
	case KindAddReq:
		return "AddReq"
	case KindAddResp:
		return "AddResp"
	case KindDelReq:
		return "DelReq"
	case KindDelResp:
		return "DelResp"
	case KindError:
		return "Error"
	}
	return "Unknown"
}

// Fixed body sizes, in octets.
const (
	HelloBodySize  = 2    // protocol version
	AddReqBodySize = 1024 // NUL-padded add string
	StatusBodySize = 4    // big-endian signed status
	CountBodySize  = 2    // record count in a ListResp
)

// Response status codes, reported as big-endian signed 32-bit integers.
const (
	StatusOK     int32 = 0
	StatusFailed int32 = -1
)

var (
	// ErrBadKind reports a frame header whose kind is out of range.
	ErrBadKind = errors.New("protocol: message kind out of range")

	// ErrOversizeFrame reports a declared length that cannot fit the
	// receive buffer.
	ErrOversizeFrame = errors.New("protocol: declared frame length exceeds buffer capacity")

	// ErrShortMessage reports a peer that closed the connection in the
	// middle of a framed message.
	ErrShortMessage = errors.New("protocol: connection closed mid-message")
)

// Frame is one decoded message. Body aliases the decode buffer and is only
// valid until the buffer is next compacted or refilled.
type Frame struct {
	Kind Kind
	Body []byte
}

// RequestBodySize returns the exact body size a request kind must carry.
// The second return is false for kinds that are not requests.
func RequestBodySize(k Kind) (int, bool) {
	switch k {
	case KindHelloReq:
		return HelloBodySize, true
	case KindListReq, KindDelReq:
		return 0, true
	case KindAddReq:
		return AddReqBodySize, true
	}
	return 0, false
}

// Encode returns a complete frame for kind with the given body. The body is
// copied; multi-byte header fields are written in network order.
func Encode(kind Kind, body []byte) []byte {
	buf := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(kind))
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(body)))
	copy(buf[HeaderSize:], body)
	return buf
}

// EncodeHello returns a hello frame carrying the protocol version.
func EncodeHello(kind Kind, version uint16) []byte {
	body := make([]byte, HelloBodySize)
	binary.BigEndian.PutUint16(body, version)
	return Encode(kind, body)
}

// EncodeStatus returns a status response frame for kind.
func EncodeStatus(kind Kind, status int32) []byte {
	body := make([]byte, StatusBodySize)
	binary.BigEndian.PutUint32(body, uint32(status))
	return Encode(kind, body)
}

// DecodeStatus reads the signed status out of a 4-octet response body.
func DecodeStatus(body []byte) int32 {
	return int32(binary.BigEndian.Uint32(body))
}

// EncodeAddReq returns an AddReq frame carrying addstr NUL-padded to the
// fixed body size. Strings longer than the body are truncated with the final
// octet left NUL.
func EncodeAddReq(addstr string) []byte {
	body := make([]byte, AddReqBodySize)
	copy(body[:AddReqBodySize-1], addstr)
	return Encode(KindAddReq, body)
}

// DecodeAddReq returns the add string carried by an AddReq body, up to its
// first NUL octet.
func DecodeAddReq(body []byte) string {
	if i := bytes.IndexByte(body, 0); i >= 0 {
		return string(body[:i])
	}
	return string(body)
}

// FrameLen reports the total frame length declared by the header at the
// start of buf. It returns false until the full 6-octet header is available.
// The declared length is not validated; callers that need validation use
// TryDecode.
func FrameLen(buf []byte) (int, bool) {
	if len(buf) < HeaderSize {
		return 0, false
	}
	return HeaderSize + int(binary.BigEndian.Uint16(buf[4:6])), true
}

// TryDecode inspects buf for one complete frame. capacity is the size of the
// receive buffer buf was filled into; a frame that could never fit is
// malformed rather than incomplete.
//
// It returns the decoded frame and the number of octets consumed. A zero
// consumed count with a nil error means more octets are needed. Malformed
// input (bad kind, oversize length) returns a non-nil error as soon as the
// header is available, without waiting for the body.
func TryDecode(buf []byte, capacity int) (Frame, int, error) {
	if len(buf) < HeaderSize {
		return Frame{}, 0, nil
	}
	kind := Kind(binary.BigEndian.Uint32(buf[0:4]))
	if kind >= kindMax {
		return Frame{}, 0, ErrBadKind
	}
	total := HeaderSize + int(binary.BigEndian.Uint16(buf[4:6]))
	if total > capacity {
		return Frame{}, 0, ErrOversizeFrame
	}
	if len(buf) < total {
		return Frame{}, 0, nil
	}
	return Frame{Kind: kind, Body: buf[HeaderSize:total]}, total, nil
}

// WriteFull writes all of buf to w, continuing across short writes. It fails
// on the first write error.
func WriteFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return errors.Wrap(err, "protocol: write")
		}
		buf = buf[n:]
	}
	return nil
}

// ReadFull fills buf from r, failing with ErrShortMessage when the stream
// ends before buf is full.
func ReadFull(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return ErrShortMessage
		}
		return errors.Wrap(err, "protocol: read")
	}
	return nil
}

// ReadFrame reads one complete frame from r. It is the blocking counterpart
// of TryDecode, used by clients and tools that own the whole stream.
func ReadFrame(r io.Reader) (Frame, error) {
	hdr := make([]byte, HeaderSize)
	if err := ReadFull(r, hdr); err != nil {
		return Frame{}, err
	}
	kind := Kind(binary.BigEndian.Uint32(hdr[0:4]))
	if kind >= kindMax {
		return Frame{}, ErrBadKind
	}
	bodyLen := int(binary.BigEndian.Uint16(hdr[4:6]))
	if HeaderSize+bodyLen > MaxFrameSize {
		return Frame{}, ErrOversizeFrame
	}
	body := make([]byte, bodyLen)
	if err := ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	return Frame{Kind: kind, Body: body}, nil
}
