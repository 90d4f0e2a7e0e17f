// Copyright 2025 The tlswire Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// TX encoder: plaintext accumulation, record sealing and transmission.

package tlswire

import (
	"context"
	stderrors "errors"
	"net"
	"sync"

	wireerrors "github.com/tlswire/tlswire/errors"
)

// outBufPool pools the record-sized scratch buffers backing sealed records.
var outBufPool = sync.Pool{
	New: func() any {
		return new([]byte)
	},
}

// encrypt seals payload into record, which must already contain the record
// header, and patches the header's length field. The explicit nonce is the
// current sequence number, which is unique for the connection's lifetime
// and therefore a valid GCM nonce (RFC 5288 permits any unique value).
func (hc *halfConn) encrypt(record, payload []byte) ([]byte, error) {
	record, explicitNonce := sliceForAppend(record, explicitIVLen)
	copy(explicitNonce, hc.seq[:])

	additionalData := append(hc.scratchBuf[:0], hc.seq[:]...)
	additionalData = append(additionalData, record[0], record[1], record[2])
	additionalData = append(additionalData, byte(len(payload)>>8), byte(len(payload)))

	record = hc.cipher.Seal(record, explicitNonce, payload, additionalData)

	n := len(record) - recordHeaderLen
	record[3] = byte(n >> 8)
	record[4] = byte(n)
	if err := hc.incSeq(); err != nil {
		return nil, err
	}
	return record, nil
}

// Send appends plaintext bytes of the given content type to the connection.
// It returns the number of bytes consumed. Without FlagMore every call
// finalizes a record; with it the engine coalesces plaintext until the
// record payload ceiling is reached or a later call finalizes.
//
// A record that could only be partially handed to the transport stays
// pending and is retransmitted before any new plaintext is accepted. When no
// progress at all is possible a non-blocking call returns ErrWouldBlock with
// the accumulator and sequence untouched.
func (c *Conn) Send(b []byte, typ ContentType, flags Flags) (int, error) {
	c.out.Lock()
	defer c.out.Unlock()
	if err := c.out.checkUsableLocked(); err != nil {
		return 0, err
	}
	if wireerrors.DebugLoggingEnabled {
		wireerrors.LogDebug(context.Background(), "tx: send type=", typ, " len=", len(b), " flags=", flags)
	}
	return c.sendLocked(b, typ, flags)
}

// SendPages is Send for callers holding the plaintext as page-like
// fragments. Fragment sets that finalize a record in this call and fit the
// per-record fragment limit are gathered straight into the record buffer;
// anything else falls back to the copying path.
func (c *Conn) SendPages(frags [][]byte, typ ContentType, flags Flags) (int, error) {
	c.out.Lock()
	defer c.out.Unlock()
	if err := c.out.checkUsableLocked(); err != nil {
		return 0, err
	}

	var sum int
	for _, f := range frags {
		sum += len(f)
	}

	if (!flags.Has(FlagMore) || flags.Has(FlagEOR)) && len(c.accum) == 0 &&
		len(frags) <= maxRecordFragments && sum > 0 && sum <= maxPlaintext {
		if len(c.pending) > 0 {
			if err := c.pushPendingLocked(flags); err != nil {
				return 0, err
			}
		}
		if flags.Has(FlagDontWait) && c.transport.SendbufFree() == 0 {
			return 0, ErrWouldBlock
		}
		if err := c.sealPagesLocked(frags, sum, typ); err != nil {
			return 0, err
		}
		if err := c.pushPendingLocked(flags); err != nil {
			if isRetryable(err) {
				return sum, nil
			}
			return sum, err
		}
		return sum, nil
	}

	// Fallback: feed the fragments through the byte path, keeping the
	// record open between fragments so they still coalesce.
	var total int
	for i, f := range frags {
		fragFlags := (flags | FlagMore) &^ FlagEOR
		if i == len(frags)-1 {
			fragFlags = flags
		}
		n, err := c.sendLocked(f, typ, fragFlags)
		total += n
		if err != nil {
			if total > 0 && stderrors.Is(err, ErrWouldBlock) {
				return total, nil
			}
			return total, err
		}
	}
	return total, nil
}

// Flush finalizes any accumulated plaintext into a record and pushes it,
// together with any pending record, to the transport.
func (c *Conn) Flush() error {
	c.out.Lock()
	defer c.out.Unlock()
	if err := c.out.checkUsableLocked(); err != nil {
		return err
	}
	return c.flushLocked(0)
}

func (c *Conn) sendLocked(b []byte, typ ContentType, flags Flags) (int, error) {
	// A partially transmitted record always goes out first.
	if len(c.pending) > 0 {
		if err := c.pushPendingLocked(flags); err != nil {
			return 0, err
		}
	}
	// Refuse to seal when a non-blocking caller could not transmit a single
	// byte; this keeps the accumulator and sequence untouched across a
	// would-block return.
	if flags.Has(FlagDontWait) && len(b) > 0 && c.transport.SendbufFree() == 0 {
		return 0, ErrWouldBlock
	}
	// A content-type change closes the open record. A non-blocking caller
	// only triggers the seal when the whole record fits the send buffer, so
	// a would-block return still leaves the accumulator and sequence
	// untouched.
	if len(c.accum) > 0 && typ != c.accumType {
		if flags.Has(FlagDontWait) && c.transport.SendbufFree() < len(c.accum)+recordOverhead {
			return 0, ErrWouldBlock
		}
		if err := c.sealAndPushLocked(flags); err != nil {
			return 0, err
		}
	}

	var total int
	for len(b) > 0 {
		room := maxPlaintext - len(c.accum)
		n := len(b)
		if n > room {
			n = room
		}
		finalize := n == room || !flags.Has(FlagMore) || flags.Has(FlagEOR)

		if finalize && len(c.accum) == 0 {
			// Zero-copy: seal straight from the caller's buffer. Legal only
			// because the record is finalized within this call, so the
			// engine never holds a reference to caller memory across a
			// return.
			if err := c.sealRecordLocked(b[:n], typ); err != nil {
				return total, err
			}
			total += n
			b = b[n:]
			if err := c.pushPendingLocked(flags); err != nil {
				if isRetryable(err) {
					return total, nil
				}
				return total, err
			}
			continue
		}

		c.accum = append(c.accum, b[:n]...)
		c.accumType = typ
		total += n
		b = b[n:]

		if finalize {
			if err := c.sealAndPushLocked(flags); err != nil {
				if isRetryable(err) {
					return total, nil
				}
				return total, err
			}
		}
	}
	return total, nil
}

// sealRecordLocked seals one record containing payload and leaves the wire
// bytes pending.
func (c *Conn) sealRecordLocked(payload []byte, typ ContentType) error {
	outBufPtr := outBufPool.Get().(*[]byte)
	buf, _ := sliceForAppend((*outBufPtr)[:0], recordOverhead+len(payload))
	appendRecordHeader(buf[:0], typ, 0)

	wire, err := c.out.encrypt(buf[:recordHeaderLen], payload)
	if err != nil {
		*outBufPtr = buf
		outBufPool.Put(outBufPtr)
		c.releaseTXLocked()
		return c.out.setErrorLocked(err)
	}
	*outBufPtr = wire
	c.pending = wire
	c.outBufPtr = outBufPtr
	return nil
}

// sealPagesLocked gathers the fragments into the record buffer's plaintext
// region and seals in place, so the fragments cross the engine boundary
// exactly once.
func (c *Conn) sealPagesLocked(frags [][]byte, sum int, typ ContentType) error {
	outBufPtr := outBufPool.Get().(*[]byte)
	buf, _ := sliceForAppend((*outBufPtr)[:0], recordOverhead+sum)
	appendRecordHeader(buf[:0], typ, 0)

	off := recordHeaderLen + explicitIVLen
	for _, f := range frags {
		copy(buf[off:], f)
		off += len(f)
	}
	payload := buf[recordHeaderLen+explicitIVLen : recordHeaderLen+explicitIVLen+sum]

	wire, err := c.out.encrypt(buf[:recordHeaderLen], payload)
	if err != nil {
		*outBufPtr = buf
		outBufPool.Put(outBufPtr)
		c.releaseTXLocked()
		return c.out.setErrorLocked(err)
	}
	*outBufPtr = wire
	c.pending = wire
	c.outBufPtr = outBufPtr
	return nil
}

// sealAndPushLocked closes the open record, seals it and attempts to
// transmit it.
func (c *Conn) sealAndPushLocked(flags Flags) error {
	if len(c.accum) == 0 {
		return nil
	}
	if err := c.sealRecordLocked(c.accum, c.accumType); err != nil {
		return err
	}
	c.accum = c.accum[:0]
	return c.pushPendingLocked(flags)
}

// pushPendingLocked drives the pending record into the transport. Partial
// writes leave the remainder pending; transport failures latch the TX half.
func (c *Conn) pushPendingLocked(flags Flags) error {
	for len(c.pending) > 0 {
		n, err := c.transport.Push(net.Buffers{c.pending})
		if n > 0 {
			c.pending = c.pending[n:]
		}
		if err == nil {
			continue
		}
		if stderrors.Is(err, ErrWouldBlock) {
			if werr := c.waitWritable(flags); werr != nil {
				return werr
			}
			continue
		}
		// Transport errors propagate verbatim and poison the direction.
		c.releaseTXLocked()
		return c.out.setErrorLocked(err)
	}
	if c.outBufPtr != nil {
		outBufPool.Put(c.outBufPtr)
		c.outBufPtr = nil
	}
	c.pending = nil
	return nil
}

func (c *Conn) flushLocked(flags Flags) error {
	if len(c.accum) > 0 {
		return c.sealAndPushLocked(flags)
	}
	return c.pushPendingLocked(flags)
}

// drainTXLocked is the teardown flush: best effort, bounded by the send
// timeout capped at teardownDrainTimeout so Shutdown cannot hang on a
// stalled peer.
func (c *Conn) drainTXLocked() error {
	c.draining = true
	err := c.flushLocked(0)
	c.draining = false
	return err
}

// releaseTXLocked frees the accumulator and pending record. Called on fatal
// errors and teardown.
func (c *Conn) releaseTXLocked() {
	c.accum = nil
	c.pending = nil
	if c.outBufPtr != nil {
		outBufPool.Put(c.outBufPtr)
		c.outBufPtr = nil
	}
}

// isRetryable reports whether err leaves the pending record intact for a
// later attempt rather than poisoning the direction.
func isRetryable(err error) bool {
	return stderrors.Is(err, ErrWouldBlock) ||
		stderrors.Is(err, ErrTimeout) ||
		stderrors.Is(err, ErrInterrupted)
}
