package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEncodeHeader tests the frame header layout
func TestEncodeHeader(t *testing.T) {
	frame := Encode(KindAddReq, []byte("payload"))
	require.Len(t, frame, HeaderSize+7)
	assert.Equal(t, uint32(KindAddReq), binary.BigEndian.Uint32(frame[0:4]))
	assert.Equal(t, uint16(7), binary.BigEndian.Uint16(frame[4:6]))
	assert.Equal(t, []byte("payload"), frame[HeaderSize:])
}

// TestTryDecodeRoundTrip tests that a decoded frame matches what was encoded
func TestTryDecodeRoundTrip(t *testing.T) {
	frame := Encode(KindHelloReq, []byte{0x00, 0x01})
	decoded, consumed, err := TryDecode(frame, MaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, len(frame), consumed)
	assert.Equal(t, KindHelloReq, decoded.Kind)
	assert.Equal(t, []byte{0x00, 0x01}, decoded.Body)
}

// TestTryDecodeIncomplete tests that partial input asks for more bytes
func TestTryDecodeIncomplete(t *testing.T) {
	frame := Encode(KindAddReq, bytes.Repeat([]byte{'x'}, 100))
	for cut := 0; cut < len(frame); cut++ {
		_, consumed, err := TryDecode(frame[:cut], MaxFrameSize)
		assert.NoError(t, err, "cut at %d", cut)
		assert.Zero(t, consumed, "cut at %d", cut)
	}
	_, consumed, err := TryDecode(frame, MaxFrameSize)
	assert.NoError(t, err)
	assert.Equal(t, len(frame), consumed)
}

// TestTryDecodeBadKind tests rejection of an out-of-range message kind
func TestTryDecodeBadKind(t *testing.T) {
	frame := Encode(kindMax, nil)
	_, _, err := TryDecode(frame, MaxFrameSize)
	assert.ErrorIs(t, err, ErrBadKind)

	frame = Encode(Kind(0xFFFFFFFF), nil)
	_, _, err = TryDecode(frame, MaxFrameSize)
	assert.ErrorIs(t, err, ErrBadKind)
}

// TestTryDecodeOversize tests rejection of a length that cannot fit the buffer
func TestTryDecodeOversize(t *testing.T) {
	hdr := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(KindListReq))
	binary.BigEndian.PutUint16(hdr[4:6], uint16(MaxBodySize+1))
	_, _, err := TryDecode(hdr, MaxFrameSize)
	assert.ErrorIs(t, err, ErrOversizeFrame)

	// The same length against a bigger capacity would be fine
	_, consumed, err := TryDecode(hdr, MaxFrameSize+1)
	assert.NoError(t, err)
	assert.Zero(t, consumed)
}

// TestTryDecodeMalformedBeforeBody tests that a bad header is rejected without
// waiting for the body
func TestTryDecodeMalformedBeforeBody(t *testing.T) {
	hdr := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(hdr[0:4], 0xDEAD)
	binary.BigEndian.PutUint16(hdr[4:6], 512)
	_, _, err := TryDecode(hdr, MaxFrameSize)
	assert.ErrorIs(t, err, ErrBadKind)
}

// TestFrameLen tests the declared-length helper
func TestFrameLen(t *testing.T) {
	_, ok := FrameLen([]byte{0, 0, 0, 0, 1})
	assert.False(t, ok)

	frame := Encode(KindDelReq, nil)
	total, ok := FrameLen(frame)
	assert.True(t, ok)
	assert.Equal(t, HeaderSize, total)

	frame = Encode(KindAddReq, make([]byte, AddReqBodySize))
	total, ok = FrameLen(frame[:HeaderSize])
	assert.True(t, ok)
	assert.Equal(t, HeaderSize+AddReqBodySize, total)
}

// TestReassembly tests that a stream of frames split at arbitrary positions
// decodes back to the original sequence
func TestReassembly(t *testing.T) {
	frames := [][]byte{
		EncodeHello(KindHelloReq, Version),
		EncodeAddReq("Alice-1 Main St-40"),
		Encode(KindListReq, nil),
		Encode(KindDelReq, nil),
	}
	stream := bytes.Join(frames, nil)

	for _, chunk := range []int{1, 3, 7, 100, len(stream)} {
		buf := make([]byte, MaxFrameSize)
		used := 0
		var got []Frame
		for off := 0; off < len(stream); off += chunk {
			end := off + chunk
			if end > len(stream) {
				end = len(stream)
			}
			used += copy(buf[used:], stream[off:end])
			for {
				fr, consumed, err := TryDecode(buf[:used], len(buf))
				require.NoError(t, err)
				if consumed == 0 {
					break
				}
				body := make([]byte, len(fr.Body))
				copy(body, fr.Body)
				got = append(got, Frame{Kind: fr.Kind, Body: body})
				copy(buf, buf[consumed:used])
				used -= consumed
			}
		}
		require.Len(t, got, len(frames), "chunk size %d", chunk)
		for i, fr := range got {
			assert.Equal(t, frames[i], Encode(fr.Kind, fr.Body), "frame %d at chunk size %d", i, chunk)
		}
	}
}

// TestStatusRoundTrip tests the signed status encoding
func TestStatusRoundTrip(t *testing.T) {
	frame := EncodeStatus(KindDelResp, StatusFailed)
	decoded, _, err := TryDecode(frame, MaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, DecodeStatus(decoded.Body))

	frame = EncodeStatus(KindAddResp, StatusOK)
	decoded, _, err = TryDecode(frame, MaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, DecodeStatus(decoded.Body))
}

// TestEncodeAddReq tests the fixed-size NUL-padded add request body
func TestEncodeAddReq(t *testing.T) {
	frame := EncodeAddReq("Bob-2 Oak Ave-20")
	decoded, _, err := TryDecode(frame, MaxFrameSize)
	require.NoError(t, err)
	require.Len(t, decoded.Body, AddReqBodySize)
	assert.Equal(t, "Bob-2 Oak Ave-20", DecodeAddReq(decoded.Body))

	// Overlong input is truncated with the final octet left NUL
	long := bytes.Repeat([]byte{'a'}, AddReqBodySize+10)
	frame = EncodeAddReq(string(long))
	decoded, _, err = TryDecode(frame, MaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, byte(0), decoded.Body[AddReqBodySize-1])
	assert.Len(t, DecodeAddReq(decoded.Body), AddReqBodySize-1)
}

// TestRequestBodySize tests the per-kind fixed sizes
func TestRequestBodySize(t *testing.T) {
	size, ok := RequestBodySize(KindHelloReq)
	assert.True(t, ok)
	assert.Equal(t, HelloBodySize, size)

	size, ok = RequestBodySize(KindAddReq)
	assert.True(t, ok)
	assert.Equal(t, AddReqBodySize, size)

	size, ok = RequestBodySize(KindListReq)
	assert.True(t, ok)
	assert.Zero(t, size)

	size, ok = RequestBodySize(KindDelReq)
	assert.True(t, ok)
	assert.Zero(t, size)

	_, ok = RequestBodySize(KindHelloResp)
	assert.False(t, ok)
	_, ok = RequestBodySize(KindError)
	assert.False(t, ok)
}

// TestReadFrame tests the blocking reader against an encoded stream
func TestReadFrame(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(EncodeHello(KindHelloResp, Version))
	stream.Write(EncodeStatus(KindAddResp, StatusOK))

	fr, err := ReadFrame(&stream)
	require.NoError(t, err)
	assert.Equal(t, KindHelloResp, fr.Kind)
	assert.Equal(t, Version, binary.BigEndian.Uint16(fr.Body))

	fr, err = ReadFrame(&stream)
	require.NoError(t, err)
	assert.Equal(t, KindAddResp, fr.Kind)

	// A truncated frame reports a short message
	stream.Write(Encode(KindListResp, []byte{0x00, 0x05})[:4])
	_, err = ReadFrame(&stream)
	assert.ErrorIs(t, err, ErrShortMessage)
}
