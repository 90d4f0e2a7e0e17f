// Copyright 2025 The tlswire Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// TLS 1.2 record-layer connection state.

package tlswire

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net"
	"sync"
	"time"

	wireerrors "github.com/tlswire/tlswire/errors"
)

// A Conn is a TLS 1.2 record engine bound to a Transport. It carries two
// independent halves: the TX half seals plaintext into records, the RX half
// frames and opens them. Keys are installed per direction; the handshake
// that produced them is somebody else's problem.
//
// TX and RX calls may run concurrently with each other; calls within one
// direction are serialized by that half's lock.
type Conn struct {
	transport Transport
	config    *Config

	// in/out hold the directional crypto state.
	in, out halfConn

	// TX state, guarded by out.Mutex.
	accum     []byte      // engine-owned plaintext accumulated for the open record
	accumType ContentType // content type of the open record
	pending   []byte      // sealed wire bytes not yet accepted by the transport
	outBufPtr *[]byte     // pooled buffer backing pending
	draining  bool        // teardown drain in progress; caps write waits

	// RX state, guarded by in.Mutex.
	rawInput   bytes.Buffer // raw wire bytes, starting with a record header
	held       []byte       // one complete framed record, owned by rawInput
	heldHdr    recordHeader
	decrypted  bool   // held has been opened in place
	plain      []byte // unread plaintext of the held record
	retryCount int    // consecutive records that made no progress

	// Cancellation, settable from any goroutine.
	markMu    sync.Mutex
	markedErr error
	cancelCh  chan struct{}
}

// NewConn wraps a Transport in a record engine. config may be nil, which is
// equivalent to the zero Config.
func NewConn(transport Transport, config *Config) *Conn {
	return &Conn{
		transport: transport,
		config:    config,
		cancelCh:  make(chan struct{}),
	}
}

// A halfConn represents one direction of the record layer, either sending
// or receiving.
type halfConn struct {
	sync.Mutex

	err    error // first permanent error
	cipher aead
	seq    [8]byte // 64-bit big-endian record sequence
	iv     [8]byte // installed explicit-IV template, zeroed at teardown
	active bool    // keys installed
	shut   bool    // direction torn down

	scratchBuf [13]byte // to avoid allocs; interface method args escape
}

type permanentError struct {
	err net.Error
}

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Timeout() bool   { return e.err.Timeout() }
func (e *permanentError) Temporary() bool { return false }

func (hc *halfConn) setErrorLocked(err error) error {
	if e, ok := err.(net.Error); ok {
		hc.err = &permanentError{err: e}
	} else {
		hc.err = err
	}
	return hc.err
}

// incSeq increments the record sequence number. Wrapping is not allowed: a
// repeated sequence would repeat an AES-GCM nonce, so the half is poisoned
// before any further record can be produced or accepted.
func (hc *halfConn) incSeq() error {
	for i := 7; i >= 0; i-- {
		hc.seq[i]++
		if hc.seq[i] != 0 {
			return nil
		}
	}
	hc.err = ErrSequenceOverflow
	return ErrSequenceOverflow
}

// installKeys validates and installs one direction's traffic keys. A second
// installation fails with ErrAlreadyActive; re-keying is not supported.
func (hc *halfConn) installKeys(info CryptoInfo) error {
	hc.Lock()
	defer hc.Unlock()
	if hc.shut {
		return ErrShutdown
	}
	if hc.active {
		return ErrAlreadyActive
	}
	cipher, err := newRecordCipher(info)
	if err != nil {
		return err
	}
	hc.cipher = cipher
	hc.seq = info.Seq
	hc.iv = info.IV
	hc.active = true
	return nil
}

// checkUsableLocked gates every public call on a direction: latched errors
// first, then teardown, then missing keys.
func (hc *halfConn) checkUsableLocked() error {
	if hc.err != nil {
		return hc.err
	}
	if hc.shut {
		return ErrShutdown
	}
	if !hc.active {
		return ErrNoKeys
	}
	return nil
}

// SetTXKeys installs the sending direction's traffic keys.
func (c *Conn) SetTXKeys(info CryptoInfo) error {
	return c.out.installKeys(info)
}

// SetRXKeys installs the receiving direction's traffic keys.
func (c *Conn) SetRXKeys(info CryptoInfo) error {
	return c.in.installKeys(info)
}

// SetKeys installs traffic keys from raw slices, validating every field
// length. It exists for callers holding key material in wire form; callers
// with fixed-size arrays can fill a CryptoInfo directly.
func (c *Conn) SetKeys(dir Direction, cipherID uint16, key, salt, iv, seq []byte) error {
	info, err := cryptoInfoFromSlices(cipherID, key, salt, iv, seq)
	if err != nil {
		return err
	}
	if dir == DirTX {
		return c.SetTXKeys(info)
	}
	return c.SetRXKeys(info)
}

// MarkError records err as the connection's cancellation error. The next
// blocking wait (and every one after it) returns err. Safe to call from any
// goroutine; only the first call takes effect.
func (c *Conn) MarkError(err error) {
	if err == nil {
		return
	}
	c.markMu.Lock()
	if c.markedErr == nil {
		c.markedErr = err
		close(c.cancelCh)
	}
	c.markMu.Unlock()
}

func (c *Conn) markedError() error {
	c.markMu.Lock()
	defer c.markMu.Unlock()
	return c.markedErr
}

// teardownDrainTimeout caps how long a Shutdown drain waits for the
// transport when the configured send timeout is longer, or unbounded.
const teardownDrainTimeout = 5 * time.Second

// waitWritable blocks until the transport may accept bytes, honoring
// FlagDontWait, the send timeout, MarkError and the Interrupt predicate.
func (c *Conn) waitWritable(flags Flags) error {
	if flags.Has(FlagDontWait) {
		return ErrWouldBlock
	}
	timeout := c.config.sendTimeout()
	if c.draining && (timeout == 0 || timeout > teardownDrainTimeout) {
		timeout = teardownDrainTimeout
	}
	return c.wait(c.transport.WaitWritable, timeout)
}

// waitReadable blocks until the transport may yield bytes; same contract as
// waitWritable on the receive side.
func (c *Conn) waitReadable(flags Flags) error {
	if flags.Has(FlagDontWait) {
		return ErrWouldBlock
	}
	return c.wait(c.transport.WaitReadable, c.config.recvTimeout())
}

func (c *Conn) wait(waitFn func(time.Duration, <-chan struct{}) error, timeout time.Duration) error {
	if err := c.markedError(); err != nil {
		return err
	}
	if c.config.interrupted() {
		return ErrInterrupted
	}
	err := waitFn(timeout, c.cancelCh)
	if stderrors.Is(err, ErrInterrupted) {
		if marked := c.markedError(); marked != nil {
			return marked
		}
		return ErrInterrupted
	}
	if err == nil && c.config.interrupted() {
		return ErrInterrupted
	}
	return err
}

// Shutdown tears down one direction. TX drains any pending record first;
// both variants release their buffers and zero installed material. Shutdown
// is idempotent.
func (c *Conn) Shutdown(dir Direction) error {
	if dir == DirTX {
		return c.shutdownTX()
	}
	return c.shutdownRX()
}

func (c *Conn) shutdownTX() error {
	c.out.Lock()
	defer c.out.Unlock()
	if c.out.shut {
		return nil
	}
	var err error
	if c.out.err == nil && c.out.active {
		err = c.drainTXLocked()
	}
	c.releaseTXLocked()
	c.out.teardownLocked()
	if wireerrors.DebugLoggingEnabled {
		wireerrors.LogDebug(context.Background(), "conn: tx shut down")
	}
	return err
}

func (c *Conn) shutdownRX() error {
	c.in.Lock()
	defer c.in.Unlock()
	if c.in.shut {
		return nil
	}
	c.releaseRXLocked()
	c.in.teardownLocked()
	if wireerrors.DebugLoggingEnabled {
		wireerrors.LogDebug(context.Background(), "conn: rx shut down")
	}
	return nil
}

// teardownLocked clears a half's key material. The AEAD's expanded schedule
// is unreachable after the cipher reference drops.
func (hc *halfConn) teardownLocked() {
	hc.cipher = nil
	zeroSlice(hc.iv[:])
	hc.active = false
	hc.shut = true
}

// Close shuts down both directions and closes the transport when it is
// closable. The first teardown error wins but both halves are always torn
// down.
func (c *Conn) Close() error {
	txErr := c.Shutdown(DirTX)
	rxErr := c.Shutdown(DirRX)
	var closeErr error
	if closer, ok := c.transport.(io.Closer); ok {
		closeErr = closer.Close()
	}
	return wireerrors.Combine(txErr, rxErr, closeErr)
}

// PollState is the readiness snapshot reported by Poll.
type PollState struct {
	// Readable is set when a complete record is queued for Recv.
	Readable bool
	// Writable is set when Send can hand bytes to the transport without
	// waiting: no partially transmitted record and free send-buffer space.
	Writable bool
	// Err carries any latched direction error or marked cancellation.
	Err error
}

// Poll reports the connection's readiness without blocking.
func (c *Conn) Poll() PollState {
	var ps PollState

	c.in.Lock()
	if c.in.err == nil && !c.in.shut && c.in.active && !c.recordQueuedLocked() {
		// Drain the transport opportunistically so wire bytes it has already
		// buffered count as readability. Fatal framing errors latch here and
		// surface through Err.
		c.frameRecordLocked(FlagDontWait)
	}
	inErr := c.in.err
	ps.Readable = inErr == nil && !c.in.shut && c.in.active && c.recordQueuedLocked()
	c.in.Unlock()

	c.out.Lock()
	outErr := c.out.err
	ps.Writable = outErr == nil && !c.out.shut &&
		len(c.pending) == 0 && c.transport.SendbufFree() > 0
	c.out.Unlock()

	ps.Err = wireerrors.Combine(inErr, outErr, c.markedError())
	return ps
}

// Read delivers plaintext like Recv(b, 0) but with an io.Reader signature.
// When the consumed record carries a non-data content type the bytes are
// still delivered and the error is ErrControlRecord, so callers that only
// expect application data cannot mistake control payload for it.
func (c *Conn) Read(b []byte) (int, error) {
	n, typ, _, err := c.Recv(b, 0)
	if err == nil && n > 0 && typ != ContentTypeApplicationData {
		err = ErrControlRecord
	}
	return n, err
}

// Write sends b as application data, blocking until every byte has been
// accepted by the engine.
func (c *Conn) Write(b []byte) (int, error) {
	var total int
	for total < len(b) {
		n, err := c.Send(b[total:], ContentTypeApplicationData, 0)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// sliceForAppend extends the input slice by n bytes. head is the full
// extended slice, while tail is the appended part. If the original slice has
// sufficient capacity no allocation is performed.
func sliceForAppend(in []byte, n int) (head, tail []byte) {
	total := len(in) + n
	if cap(in) >= total {
		head = in[:total]
	} else {
		head = make([]byte, total)
		copy(head, in)
	}
	tail = head[len(in):]
	return
}
