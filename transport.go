// Copyright 2025 The tlswire Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tlswire

import (
	"bytes"
	"math"
	"net"
	"sync"
	"time"
)

// Transport is the reliable byte-stream collaborator underneath a Conn. The
// engine pushes finished wire records into it and pulls raw wire bytes out
// of it; all record framing and protection happen above this interface.
//
// Implementations must tolerate one concurrent pusher and one concurrent
// puller (the engine serializes within each direction).
type Transport interface {
	// Push hands wire bytes to the transport. Partial writes are legal;
	// Push reports how many bytes were accepted. It returns ErrWouldBlock
	// when the send buffer cannot accept a single byte.
	Push(bufs net.Buffers) (int, error)

	// Pull copies buffered inbound bytes into p. It returns ErrWouldBlock
	// when nothing is buffered and io.EOF once the peer's stream has ended
	// and the buffer is drained. Pull never returns (0, nil).
	Pull(p []byte) (int, error)

	// WaitWritable blocks until send-buffer space may be available, the
	// timeout elapses (ErrTimeout), cancel fires (ErrInterrupted), or the
	// transport is errored. A zero timeout waits forever.
	WaitWritable(timeout time.Duration, cancel <-chan struct{}) error

	// WaitReadable is the receive-side analog of WaitWritable.
	WaitReadable(timeout time.Duration, cancel <-chan struct{}) error

	// SendbufFree reports the send-buffer space currently available to
	// Push, for back-pressure decisions.
	SendbufFree() int

	// MarkError poisons the transport: subsequent operations fail with err
	// and blocked waiters wake. Inbound bytes already buffered may still be
	// drained first when err is io.EOF.
	MarkError(err error)
}

// netTransport adapts a net.Conn. Kernel sockets hide their buffer state
// behind blocking calls, so inbound bytes are staged through an internal
// buffer: Pull only ever drains the stage and never blocks, while
// WaitReadable performs the blocking read that fills it, bounded by the
// timeout and woken by cancellation. The send side stays blocking: Push
// writes through, the writable wait reports readiness optimistically, and
// SendbufFree reports unbounded space.
type netTransport struct {
	conn net.Conn

	mu   sync.Mutex
	err  error
	rbuf bytes.Buffer // inbound bytes staged by WaitReadable
}

// NetTransport wraps a net.Conn as a Transport.
func NetTransport(conn net.Conn) Transport {
	return &netTransport{conn: conn}
}

func (t *netTransport) markedError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *netTransport) setError(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
}

func (t *netTransport) Push(bufs net.Buffers) (int, error) {
	if err := t.markedError(); err != nil {
		return 0, err
	}
	n, err := bufs.WriteTo(t.conn)
	if err != nil {
		if marked := t.markedError(); marked != nil {
			err = marked
		}
	}
	return int(n), err
}

func (t *netTransport) Pull(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rbuf.Len() > 0 {
		n, _ := t.rbuf.Read(p)
		return n, nil
	}
	if t.err != nil {
		return 0, t.err
	}
	return 0, ErrWouldBlock
}

func (t *netTransport) WaitWritable(timeout time.Duration, cancel <-chan struct{}) error {
	if err := t.markedError(); err != nil {
		return err
	}
	select {
	case <-cancel:
		return ErrInterrupted
	default:
		return nil
	}
}

func (t *netTransport) WaitReadable(timeout time.Duration, cancel <-chan struct{}) error {
	t.mu.Lock()
	staged := t.rbuf.Len() > 0
	err := t.err
	t.mu.Unlock()
	if staged || err != nil {
		// Pull will deliver the staged bytes or surface the error.
		return nil
	}

	if timeout > 0 {
		t.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		t.conn.SetReadDeadline(time.Time{})
	}
	// Cancellation wakes the blocked read through the deadline.
	done := make(chan struct{})
	go func() {
		select {
		case <-cancel:
			t.conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()
	var tmp [4096]byte
	n, rerr := t.conn.Read(tmp[:])
	close(done)

	if n > 0 {
		t.mu.Lock()
		t.rbuf.Write(tmp[:n])
		t.mu.Unlock()
	}
	if rerr == nil || n > 0 {
		return nil
	}
	select {
	case <-cancel:
		return ErrInterrupted
	default:
	}
	if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
		if marked := t.markedError(); marked != nil {
			return ErrInterrupted
		}
		return ErrTimeout
	}
	// Stream errors, io.EOF included, latch and surface through Pull.
	t.setError(rerr)
	return nil
}

func (t *netTransport) SendbufFree() int {
	if err := t.markedError(); err != nil {
		return 0
	}
	return math.MaxInt32
}

func (t *netTransport) MarkError(err error) {
	t.setError(err)
	// Wake any call blocked inside the net.Conn.
	t.conn.SetDeadline(time.Now())
}

// pipeBuffer is one direction of an in-memory transport pair: a bounded byte
// queue with edge notifications for waiters.
type pipeBuffer struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	capacity int
	err      error
	update   chan struct{}
}

func newPipeBuffer(capacity int) *pipeBuffer {
	return &pipeBuffer{capacity: capacity, update: make(chan struct{})}
}

// bump wakes every waiter observing the previous update channel.
func (pb *pipeBuffer) bump() {
	close(pb.update)
	pb.update = make(chan struct{})
}

func (pb *pipeBuffer) write(bufs net.Buffers) (int, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	if pb.err != nil {
		return 0, pb.err
	}
	free := pb.capacity - pb.buf.Len()
	if free <= 0 {
		return 0, ErrWouldBlock
	}
	total := 0
	for _, b := range bufs {
		if free == 0 {
			break
		}
		n := len(b)
		if n > free {
			n = free
		}
		pb.buf.Write(b[:n])
		free -= n
		total += n
		if n < len(b) {
			break
		}
	}
	pb.bump()
	return total, nil
}

func (pb *pipeBuffer) read(p []byte) (int, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	if pb.buf.Len() == 0 {
		if pb.err != nil {
			return 0, pb.err
		}
		return 0, ErrWouldBlock
	}
	n, _ := pb.buf.Read(p)
	pb.bump()
	return n, nil
}

func (pb *pipeBuffer) free() int {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	if pb.err != nil {
		return 0
	}
	return pb.capacity - pb.buf.Len()
}

func (pb *pipeBuffer) setError(err error) {
	pb.mu.Lock()
	if pb.err == nil {
		pb.err = err
	}
	pb.bump()
	pb.mu.Unlock()
}

// wait blocks until ready reports true (under the buffer lock), the buffer
// is errored, the timeout elapses, or cancel fires.
func (pb *pipeBuffer) wait(ready func(*pipeBuffer) bool, timeout time.Duration, cancel <-chan struct{}) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		pb.mu.Lock()
		if pb.err != nil || ready(pb) {
			pb.mu.Unlock()
			return nil
		}
		update := pb.update
		pb.mu.Unlock()

		select {
		case <-update:
		case <-deadline:
			return ErrTimeout
		case <-cancel:
			return ErrInterrupted
		}
	}
}

func pipeReadable(pb *pipeBuffer) bool { return pb.buf.Len() > 0 }
func pipeWritable(pb *pipeBuffer) bool { return pb.buf.Len() < pb.capacity }

// pipeTransport is one endpoint of a Pipe: it pushes into out and pulls
// from in.
type pipeTransport struct {
	out *pipeBuffer
	in  *pipeBuffer
}

// Pipe returns two connected in-memory Transports, each with a send buffer
// of the given byte capacity. Bytes pushed on one endpoint become pullable
// on the other. MarkError on either endpoint poisons both directions;
// MarkError(io.EOF) lets the peer drain buffered bytes before seeing EOF.
func Pipe(sendbuf int) (Transport, Transport) {
	ab := newPipeBuffer(sendbuf)
	ba := newPipeBuffer(sendbuf)
	return &pipeTransport{out: ab, in: ba}, &pipeTransport{out: ba, in: ab}
}

func (t *pipeTransport) Push(bufs net.Buffers) (int, error) {
	return t.out.write(bufs)
}

func (t *pipeTransport) Pull(p []byte) (int, error) {
	return t.in.read(p)
}

func (t *pipeTransport) WaitWritable(timeout time.Duration, cancel <-chan struct{}) error {
	return t.out.wait(pipeWritable, timeout, cancel)
}

func (t *pipeTransport) WaitReadable(timeout time.Duration, cancel <-chan struct{}) error {
	return t.in.wait(pipeReadable, timeout, cancel)
}

func (t *pipeTransport) SendbufFree() int {
	return t.out.free()
}

func (t *pipeTransport) MarkError(err error) {
	t.out.setError(err)
	t.in.setError(err)
}
