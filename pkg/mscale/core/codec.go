package core

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/hashicorp/go-msgpack/codec"

	"github.com/jabolina/go-mscale/pkg/mscale/types"
)

// frameBoundary is MSG_BOUNDARY from spec §6: a 10-byte marker following
// every body, letting a reader resynchronize after a body that failed to
// deserialize without losing the rest of the stream.
var frameBoundary = [10]byte{0x79, 0x8E, 0x8E, 0xF5, 0x6E, 0x9B, 0x2E, 0x97, 0xD5, 0x7D}

// msgpackHandle is the shared serializer configuration: the "Serializer
// contract" of spec §6 is realized with github.com/hashicorp/go-msgpack,
// the codec boxcast-serf uses for all of Serf's RPC and gossip payloads.
var msgpackHandle = &codec.MsgpackHandle{}

func init() {
	msgpackHandle.RawToString = true
}

// Frame is one decoded wire frame: header, tag, and the tag-specific
// body. Body is nil (with a non-nil error) when deserialization failed.
type Frame struct {
	Header types.FrameHeader
	Tag    types.Tag
	Body   interface{}
}

// WriteFrame serializes header, tag and body onto w following spec §6:
// 32-byte header, 1-byte tag, msgpack-encoded body, 10-byte boundary.
func WriteFrame(w io.Writer, hdr types.FrameHeader, tag types.Tag, body interface{}) error {
	var hbuf [32]byte
	encodeHeader(&hbuf, hdr)
	if _, err := w.Write(hbuf[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(tag)}); err != nil {
		return err
	}
	if body != nil {
		enc := codec.NewEncoder(w, msgpackHandle)
		if err := enc.Encode(body); err != nil {
			return err
		}
	}
	_, err := w.Write(frameBoundary[:])
	return err
}

func encodeHeader(buf *[32]byte, hdr types.FrameHeader) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(hdr.ResponseOID.Whence))
	binary.LittleEndian.PutUint64(buf[8:16], hdr.ResponseOID.ID)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(hdr.NotifyOID.Whence))
	binary.LittleEndian.PutUint64(buf[24:32], hdr.NotifyOID.ID)
}

func decodeHeader(buf [32]byte) types.FrameHeader {
	return types.FrameHeader{
		ResponseOID: types.RefID{
			Whence: types.NodeID(binary.LittleEndian.Uint64(buf[0:8])),
			ID:     binary.LittleEndian.Uint64(buf[8:16]),
		},
		NotifyOID: types.RefID{
			Whence: types.NodeID(binary.LittleEndian.Uint64(buf[16:24])),
			ID:     binary.LittleEndian.Uint64(buf[24:32]),
		},
	}
}

// emptyBodyFor returns a freshly allocated, tag-appropriate body to decode
// into, or nil for an unrecognized tag.
func emptyBodyFor(tag types.Tag) interface{} {
	switch tag {
	case types.TagCallWait:
		return &types.CallWaitBody{}
	case types.TagIdentifySocketAck:
		return &types.IdentifySocketAckBody{}
	case types.TagIdentifySocket:
		return &types.IdentifySocketBody{}
	case types.TagJoinComplete:
		return &types.JoinCompleteBody{}
	case types.TagJoinPGRP:
		return &types.JoinPGRPBody{}
	case types.TagRemoteDo:
		return &types.RemoteDoBody{}
	case types.TagResult:
		return &types.ResultBody{}
	case types.TagCall:
		return &types.CallBody{}
	case types.TagCallFetch:
		return &types.CallBody{}
	default:
		return nil
	}
}

// FrameReader decodes frames off a byte stream, resynchronizing on the
// frame boundary whenever a body fails to deserialize (spec §4.C, §8
// scenario 6).
type FrameReader struct {
	br *bufio.Reader
}

// NewFrameReader wraps r for frame-at-a-time reading.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{br: bufio.NewReaderSize(r, 4096)}
}

// ReadFrame reads one complete frame. If the header and tag decode but
// the body does not, it returns a Frame carrying the header/tag and a
// non-nil error (the caller routes this back as a Result to
// Header.ResponseOID per §4.C); the stream is already resynchronized to
// the next frame boundary by the time ReadFrame returns.
func (f *FrameReader) ReadFrame() (Frame, error) {
	var hbuf [32]byte
	if _, err := io.ReadFull(f.br, hbuf[:]); err != nil {
		return Frame{}, err
	}
	hdr := decodeHeader(hbuf)

	tagByte, err := f.br.ReadByte()
	if err != nil {
		return Frame{}, err
	}
	tag := types.Tag(tagByte)

	proto := emptyBodyFor(tag)
	var decodeErr error
	if proto == nil {
		decodeErr = types.ErrUnknownTag
	} else {
		dec := codec.NewDecoder(f.br, msgpackHandle)
		decodeErr = dec.Decode(proto)
	}

	if err := f.resync(); err != nil {
		return Frame{}, err
	}

	if decodeErr != nil {
		return Frame{Header: hdr, Tag: tag}, &FrameBodyError{Err: decodeErr}
	}
	return Frame{Header: hdr, Tag: tag, Body: proto}, nil
}

// resync consumes bytes until the trailing MSG_BOUNDARY is found. In the
// well-formed case the msgpack decoder stops exactly at the boundary, so
// this reads precisely ten bytes; after a failed decode it may consume
// more, scanning forward until alignment is recovered.
func (f *FrameReader) resync() error {
	var window [10]byte
	filled := 0
	for {
		b, err := f.br.ReadByte()
		if err != nil {
			return err
		}
		if filled < len(window) {
			window[filled] = b
			filled++
		} else {
			copy(window[:len(window)-1], window[1:])
			window[len(window)-1] = b
		}
		if filled == len(window) && window == frameBoundary {
			return nil
		}
	}
}

// EncodeValue msgpack-encodes an arbitrary value for embedding in a
// CallBody.Args tuple or a ResultBody.Value.
func EncodeValue(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, msgpackHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValue decodes b into out, which must be a pointer.
func DecodeValue(b []byte, out interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(b), msgpackHandle)
	return dec.Decode(out)
}

// EncodeArgs encodes a variadic argument tuple as a single msgpack value.
func EncodeArgs(args ...interface{}) ([]byte, error) {
	return EncodeValue(args)
}

// DecodeArgs decodes a tuple previously produced by EncodeArgs.
func DecodeArgs(b []byte) ([]interface{}, error) {
	var args []interface{}
	if len(b) == 0 {
		return nil, nil
	}
	if err := DecodeValue(b, &args); err != nil {
		return nil, err
	}
	return args, nil
}
