// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package flock

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/creachadair/flock/packet"
)

// HeaderLen is the size in bytes of the length prefix of a frame.
const HeaderLen = 4

// DefaultMaxFrameSize is the largest frame body accepted when no other limit
// is configured.
const DefaultMaxFrameSize = 16 << 20

var (
	// ErrMalformedEnvelope is reported for a frame body that does not decode
	// as an envelope.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrFrameTooLarge is reported for a frame whose length prefix exceeds the
	// configured maximum.
	ErrFrameTooLarge = errors.New("frame too large")
)

// ParseFrame reports whether buf begins with a complete frame. If so, it
// returns the body of the frame and the total number of bytes it occupies,
// including the length prefix. If buf holds only a prefix of a frame, ParseFrame
// returns (nil, 0, nil) and buf should be retried when more data are available.
//
// If maxBody > 0 and the length prefix exceeds maxBody, ParseFrame reports
// ErrFrameTooLarge as soon as the prefix is available.
func ParseFrame(buf []byte, maxBody int) (body []byte, n int, err error) {
	if len(buf) < HeaderLen {
		return nil, 0, nil
	}
	size := binary.BigEndian.Uint32(buf)
	if maxBody > 0 && uint64(size) > uint64(maxBody) {
		return nil, 0, fmt.Errorf("%w (%d > %d bytes)", ErrFrameTooLarge, size, maxBody)
	}
	end := HeaderLen + int(size)
	if len(buf) < end {
		return nil, 0, nil
	}
	return buf[HeaderLen:end], end, nil
}

// FrameSize reports the total size of the frame whose length prefix begins
// buf, or -1 if buf is shorter than the prefix.
func FrameSize(buf []byte) int {
	if len(buf) < HeaderLen {
		return -1
	}
	return HeaderLen + int(binary.BigEndian.Uint32(buf))
}

// AppendFrame appends body to dst with a length prefix, and returns the
// updated slice. The length is encoded as a big-endian uint32.
func AppendFrame(dst, body []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(body)))
	return append(dst, body...)
}

// A Channel is a reliable ordered stream of frames shared by a client and a
// server. Send and Recv exchange frame bodies; the channel is responsible for
// the length prefix.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the body to the receiver as a single frame.
	Send(body []byte) error

	// Receive the body of the next available frame from the channel.
	Recv() ([]byte, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error.
	Close() error
}

// Request is the envelope for a call. On the wire it is encoded as a map with
// keys "in" (the operation name) and "params".
type Request struct {
	Operation string
	Params    any
}

// Encode encodes the request envelope, without framing.
func (r Request) Encode() ([]byte, error) { return encodeEnvelope(nil, false, "in", r.Operation, "params", r.Params) }

// AppendFrame appends the framed encoding of r to dst.
func (r Request) AppendFrame(dst []byte) ([]byte, error) {
	return encodeEnvelope(dst, true, "in", r.Operation, "params", r.Params)
}

// Decode decodes data into a request envelope. An error reported by Decode
// wraps ErrMalformedEnvelope.
func (r *Request) Decode(data []byte) error {
	op, params, err := decodeEnvelope(data, "in", "params")
	if err != nil {
		return err
	}
	r.Operation, r.Params = op, params
	return nil
}

// String returns a human-friendly rendering of the request.
func (r Request) String() string { return fmt.Sprintf("Request(%q, %v)", r.Operation, r.Params) }

// Response is the envelope for the result of a call. On the wire it is encoded
// as a map with keys "out" (the response tag) and "result".
type Response struct {
	Tag    string
	Result any
}

// Encode encodes the response envelope, without framing.
func (r Response) Encode() ([]byte, error) { return encodeEnvelope(nil, false, "out", r.Tag, "result", r.Result) }

// AppendFrame appends the framed encoding of r to dst.
func (r Response) AppendFrame(dst []byte) ([]byte, error) {
	return encodeEnvelope(dst, true, "out", r.Tag, "result", r.Result)
}

// Decode decodes data into a response envelope. An error reported by Decode
// wraps ErrMalformedEnvelope.
func (r *Response) Decode(data []byte) error {
	tag, result, err := decodeEnvelope(data, "out", "result")
	if err != nil {
		return err
	}
	r.Tag, r.Result = tag, result
	return nil
}

// String returns a human-friendly rendering of the response.
func (r Response) String() string { return fmt.Sprintf("Response(%q, %v)", r.Tag, r.Result) }

func encodeEnvelope(dst []byte, framed bool, nameKey, name, valueKey string, value any) ([]byte, error) {
	b := packet.Builder{}
	if framed {
		b.Uint32(0) // placeholder, updated below
	}
	if err := b.Value(map[string]any{nameKey: name, valueKey: value}); err != nil {
		return nil, fmt.Errorf("encode %s %q: %w", nameKey, name, err)
	}
	out := b.Bytes()
	if framed {
		size := len(out) - HeaderLen
		if uint64(size) > math.MaxUint32 {
			return nil, fmt.Errorf("%w (%d bytes)", ErrFrameTooLarge, size)
		}
		binary.BigEndian.PutUint32(out, uint32(size))
	}
	return append(dst, out...), nil
}

func decodeEnvelope(data []byte, nameKey, valueKey string) (string, any, error) {
	v, err := packet.DecodeValue(data)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return "", nil, fmt.Errorf("%w: envelope is %T, not a map", ErrMalformedEnvelope, v)
	}
	name, ok := m[nameKey].(string)
	if !ok {
		return "", nil, fmt.Errorf("%w: missing string %q field", ErrMalformedEnvelope, nameKey)
	}
	return name, m[valueKey], nil
}
