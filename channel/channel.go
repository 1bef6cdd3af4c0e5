// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the flock.Channel interface.
package channel

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/creachadair/flock"
)

// Direct constructs a connected pair of in-memory channels that pass frame
// bodies directly without a length prefix. Bodies sent to A are received by B
// and vice versa.
func Direct() (A, B flock.Channel) {
	a2b := make(chan []byte)
	b2a := make(chan []byte)
	A = direct{a2b: a2b, b2a: b2a}
	B = direct{a2b: b2a, b2a: a2b}
	return
}

type direct struct {
	a2b chan<- []byte
	b2a <-chan []byte
}

// Send implements a method of the [flock.Channel] interface.
func (d direct) Send(body []byte) (err error) {
	defer safeClose(&err)
	d.a2b <- body
	return nil
}

// Recv implements a method of the [flock.Channel] interface.
func (d direct) Recv() ([]byte, error) {
	body, ok := <-d.b2a
	if !ok {
		return nil, net.ErrClosed
	}
	return body, nil
}

// Close implements a method of the [flock.Channel] interface.
func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.a2b)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// IO constructs a channel that receives frames from r and sends frames to wc.
// Frames larger than flock.DefaultMaxFrameSize are rejected.
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	// N.B. The bufio package will reuse existing buffers if possible.
	return IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc, max: flock.DefaultMaxFrameSize}
}

// An IOChannel sends and receives frames on a reader and a writer.
type IOChannel struct {
	r   *bufio.Reader
	w   *bufio.Writer
	c   io.Closer
	max int
}

// WithMaxFrameSize returns a copy of c that rejects received frames whose
// body exceeds n bytes. If n ≤ 0, frames of any size are accepted.
func (c IOChannel) WithMaxFrameSize(n int) IOChannel { c.max = n; return c }

// Send implements a method of the [flock.Channel] interface.
func (c IOChannel) Send(body []byte) error {
	var hdr [flock.HeaderLen]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := c.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := c.w.Write(body); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [flock.Channel] interface. It reports
// io.EOF if the stream ends cleanly between frames, and io.ErrUnexpectedEOF
// if it ends within a frame.
func (c IOChannel) Recv() ([]byte, error) {
	var hdr [flock.HeaderLen]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if c.max > 0 && uint64(size) > uint64(c.max) {
		return nil, fmt.Errorf("%w (%d > %d bytes)", flock.ErrFrameTooLarge, size, c.max)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(c.r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// Close implements a method of the [flock.Channel] interface.
func (c IOChannel) Close() error { return c.c.Close() }
