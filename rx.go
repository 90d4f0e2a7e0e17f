// Copyright 2025 The tlswire Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// RX framer and decoder: wire bytes in, authenticated plaintext out.

package tlswire

import (
	"bytes"
	stderrors "errors"
	"io"

	wireerrors "github.com/tlswire/tlswire/errors"
)

var errEmptyRecordFlood = wireerrors.New("tlswire: too many consecutive empty records").AtError()

// pullReader adapts Transport.Pull to io.Reader, blocking per the call's
// flags when nothing is buffered.
type pullReader struct {
	c     *Conn
	flags Flags
}

func (r *pullReader) Read(p []byte) (int, error) {
	for {
		n, err := r.c.transport.Pull(p)
		if stderrors.Is(err, ErrWouldBlock) {
			if werr := r.c.waitReadable(r.flags); werr != nil {
				return 0, werr
			}
			continue
		}
		return n, err
	}
}

// atLeastReader reads from R into at least N bytes and then stops, reporting
// an io.EOF before that point as io.ErrUnexpectedEOF. It is used with
// bytes.Buffer.ReadFrom to fill rawInput without sliding its contents.
type atLeastReader struct {
	R io.Reader
	N int64
}

func (r *atLeastReader) Read(p []byte) (int, error) {
	if r.N <= 0 {
		return 0, io.EOF
	}
	n, err := r.R.Read(p)
	r.N -= int64(n)
	if r.N > 0 && err == io.EOF {
		return n, io.ErrUnexpectedEOF
	}
	if r.N <= 0 && err == nil {
		return n, io.EOF
	}
	return n, err
}

// readFromUntilLocked reads from the transport until rawInput holds at least
// n bytes. Bytes accepted before a failure stay buffered, so an interrupted
// fill resumes exactly where it stopped.
func (c *Conn) readFromUntilLocked(n int, flags Flags) error {
	if c.rawInput.Len() >= n {
		return nil
	}
	needs := n - c.rawInput.Len()
	// There might be extra input waiting on the transport. Make a best
	// effort attempt to fetch it so that it can be used in subsequent calls.
	c.rawInput.Grow(needs + bytes.MinRead)
	_, err := c.rawInput.ReadFrom(&atLeastReader{&pullReader{c: c, flags: flags}, int64(needs)})
	return err
}

// rxFillError maps a fill failure: a stream that ends cleanly between
// records is io.EOF, mid-record truncation and transport errors poison the
// half, and recoverable waits pass through untouched.
func (c *Conn) rxFillError(err error) error {
	if stderrors.Is(err, io.ErrUnexpectedEOF) && c.rawInput.Len() == 0 {
		err = io.EOF
	}
	if isRetryable(err) {
		return err
	}
	return c.in.setErrorLocked(err)
}

// frameRecordLocked buffers and validates the next complete record, leaving
// it referenced by c.held. Framing failures are fatal to the stream: the
// half is poisoned and the transport marked so the peer-facing side stops.
func (c *Conn) frameRecordLocked(flags Flags) error {
	if c.held != nil {
		return nil
	}
	if err := c.readFromUntilLocked(recordHeaderLen, flags); err != nil {
		return c.rxFillError(err)
	}
	hdr, ok := parseRecordHeader(c.rawInput.Bytes()[:recordHeaderLen])
	if !ok {
		err := wireerrors.New("tlswire: internal error: short record header").AtError()
		return c.in.setErrorLocked(err)
	}
	if err := hdr.validate(); err != nil {
		rhErr := newRecordHeaderError(c.rawInput.Bytes()[:recordHeaderLen], err,
			"record header %x failed validation: %v", c.rawInput.Bytes()[:recordHeaderLen], err)
		c.transport.MarkError(rhErr)
		return c.in.setErrorLocked(rhErr)
	}
	if err := c.readFromUntilLocked(hdr.wireLen(), flags); err != nil {
		return c.rxFillError(err)
	}
	c.held = c.rawInput.Bytes()[:hdr.wireLen()]
	c.heldHdr = hdr
	c.decrypted = false
	return nil
}

// decrypt opens the held record. When sink is non-nil the plaintext is
// written there (it must have capacity for the full plaintext); otherwise
// the record is opened in place over its own ciphertext.
func (c *Conn) decryptHeldLocked(sink []byte) error {
	hc := &c.in
	explicitNonce := c.held[recordHeaderLen : recordHeaderLen+explicitIVLen]
	ciphertext := c.held[recordHeaderLen+explicitIVLen:]

	n := c.heldHdr.plaintextLen()
	additionalData := append(hc.scratchBuf[:0], hc.seq[:]...)
	additionalData = append(additionalData, c.held[0], c.held[1], c.held[2])
	additionalData = append(additionalData, byte(n>>8), byte(n))

	dst := ciphertext[:0]
	if sink != nil {
		dst = sink
	}
	plain, err := hc.cipher.Open(dst, explicitNonce, ciphertext, additionalData)
	if err != nil {
		// An authentication failure means the stream is corrupt or under
		// attack; nothing after this record can be trusted.
		c.transport.MarkError(ErrBadMAC)
		return c.in.setErrorLocked(ErrBadMAC)
	}
	if err := hc.incSeq(); err != nil {
		return err
	}
	c.plain = plain
	c.decrypted = true
	return nil
}

// consumeHeldLocked drops the held record from rawInput.
func (c *Conn) consumeHeldLocked() {
	c.rawInput.Next(c.heldHdr.wireLen())
	c.held = nil
	c.plain = nil
	c.decrypted = false
}

// skipEmptyHeldLocked consumes a held empty record, failing the half once a
// peer has sent too many of them in a row.
func (c *Conn) skipEmptyHeldLocked() error {
	c.consumeHeldLocked()
	c.retryCount++
	if c.retryCount > maxUselessRecords {
		c.transport.MarkError(errEmptyRecordFlood)
		return c.in.setErrorLocked(errEmptyRecordFlood)
	}
	return nil
}

// recordQueuedLocked reports whether a Recv can deliver bytes without
// touching the transport: an open record, or a complete one in rawInput.
func (c *Conn) recordQueuedLocked() bool {
	if len(c.plain) > 0 || c.held != nil {
		return true
	}
	if c.rawInput.Len() < recordHeaderLen {
		return false
	}
	hdr, ok := parseRecordHeader(c.rawInput.Bytes()[:recordHeaderLen])
	return ok && c.rawInput.Len() >= hdr.wireLen()
}

// releaseRXLocked frees all receive-side buffers. Called at teardown.
func (c *Conn) releaseRXLocked() {
	c.rawInput.Reset()
	c.held = nil
	c.plain = nil
	c.decrypted = false
	c.retryCount = 0
}

// Recv delivers record plaintext into b. It returns the byte count, the
// content type of the delivered bytes, and whether the last byte returned
// ends a record.
//
// One call never mixes content types: a record of a different type stops the
// call at the boundary and stays queued. Control records (anything other
// than application data) are delivered one record per call. FlagPeek returns
// bytes without consuming them, FlagWaitAll keeps reading records until b is
// full, and FlagDontWait turns every internal wait into ErrWouldBlock.
func (c *Conn) Recv(b []byte, flags Flags) (int, ContentType, bool, error) {
	c.in.Lock()
	defer c.in.Unlock()
	if err := c.in.checkUsableLocked(); err != nil {
		return 0, 0, false, err
	}
	if len(b) == 0 {
		return 0, 0, false, nil
	}

	var (
		total int
		typ   ContentType
	)
	for {
		// Drain the open record first.
		if len(c.plain) > 0 {
			if total == 0 {
				typ = c.heldHdr.typ
			}
			n := copy(b[total:], c.plain)
			total += n
			if flags.Has(FlagPeek) {
				// A peek never consumes and never coalesces records.
				return total, typ, n == len(c.plain), nil
			}
			c.plain = c.plain[n:]
			if len(c.plain) > 0 {
				return total, typ, false, nil
			}
			ctyp := c.heldHdr.typ
			c.retryCount = 0
			c.consumeHeldLocked()
			if ctyp != ContentTypeApplicationData || total == len(b) ||
				(!flags.Has(FlagWaitAll) && !c.recordQueuedLocked()) {
				return total, typ, true, nil
			}
			continue
		}

		if err := c.frameRecordLocked(flags); err != nil {
			if total > 0 && (isRetryable(err) || stderrors.Is(err, io.EOF)) {
				return total, typ, true, nil
			}
			return total, typ, total > 0, err
		}
		if total > 0 && c.heldHdr.typ != typ {
			// Content-type change: stop at the boundary and leave the new
			// record queued for the next call.
			return total, typ, true, nil
		}

		if !c.decrypted {
			ptLen := c.heldHdr.plaintextLen()
			var sink []byte
			if !flags.Has(FlagPeek) && ptLen > 0 && len(b)-total >= ptLen {
				// Zero-copy: open the record straight into the caller's
				// buffer. Only possible when the whole plaintext is consumed
				// within this call.
				sink = b[total:total]
			}
			if err := c.decryptHeldLocked(sink); err != nil {
				return total, typ, total > 0, err
			}
			if sink != nil {
				if total == 0 {
					typ = c.heldHdr.typ
				}
				ctyp := c.heldHdr.typ
				total += ptLen
				c.retryCount = 0
				c.consumeHeldLocked()
				if ctyp != ContentTypeApplicationData || total == len(b) ||
					(!flags.Has(FlagWaitAll) && !c.recordQueuedLocked()) {
					return total, typ, true, nil
				}
				continue
			}
		}

		if len(c.plain) == 0 {
			// Empty records authenticate and advance the sequence but carry
			// nothing; skipping them is bounded so a peer cannot spin us.
			if err := c.skipEmptyHeldLocked(); err != nil {
				return total, typ, total > 0, err
			}
		}
	}
}

// Splice moves up to limit bytes of application-data plaintext into w
// without surfacing them to a caller buffer. A record of any other content
// type stops the transfer; when it would be the first record delivered the
// call fails with ErrNotSupported and leaves the record queued for Recv.
// Writer errors are returned verbatim and do not poison the half.
func (c *Conn) Splice(w io.Writer, limit int, flags Flags) (int, error) {
	c.in.Lock()
	defer c.in.Unlock()
	if err := c.in.checkUsableLocked(); err != nil {
		return 0, err
	}

	var total int
	for total < limit {
		if len(c.plain) == 0 {
			if err := c.frameRecordLocked(flags); err != nil {
				if total > 0 && (isRetryable(err) || stderrors.Is(err, io.EOF)) {
					return total, nil
				}
				return total, err
			}
			if !c.decrypted && c.heldHdr.typ == ContentTypeApplicationData {
				if err := c.decryptHeldLocked(nil); err != nil {
					return total, err
				}
			}
			if c.decrypted && len(c.plain) == 0 {
				if err := c.skipEmptyHeldLocked(); err != nil {
					return total, err
				}
				continue
			}
		}
		// Control records never pass through a splice, including the
		// remainder of one partially consumed by Recv.
		if c.heldHdr.typ != ContentTypeApplicationData {
			if total > 0 {
				return total, nil
			}
			return 0, ErrNotSupported
		}
		c.retryCount = 0

		m := limit - total
		if m > len(c.plain) {
			m = len(c.plain)
		}
		n, err := w.Write(c.plain[:m])
		c.plain = c.plain[n:]
		total += n
		if len(c.plain) == 0 {
			c.consumeHeldLocked()
		}
		if err != nil {
			return total, err
		}
		if total < limit && !flags.Has(FlagWaitAll) && !c.recordQueuedLocked() {
			return total, nil
		}
	}
	return total, nil
}
