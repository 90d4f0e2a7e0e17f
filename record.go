// Copyright 2025 The tlswire Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tlswire

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// recordHeader is the parsed form of the 5-byte record header.
type recordHeader struct {
	typ    ContentType
	vers   uint16
	length int // length of explicit nonce + ciphertext + tag
}

// wireLen returns the total on-wire size of the record this header frames.
func (h recordHeader) wireLen() int {
	return recordHeaderLen + h.length
}

// plaintextLen returns the plaintext size hidden inside the framed record.
func (h recordHeader) plaintextLen() int {
	return h.length - explicitIVLen - tagLen
}

// appendRecordHeader appends a header for a record of the given type whose
// protected payload (nonce+ciphertext+tag) is length bytes.
func appendRecordHeader(dst []byte, typ ContentType, length int) []byte {
	b := cryptobyte.NewBuilder(dst)
	b.AddUint8(uint8(typ))
	b.AddUint16(VersionTLS12)
	b.AddUint16(uint16(length))
	return b.BytesOrPanic()
}

// parseRecordHeader decodes the first recordHeaderLen bytes of hdr. It does
// not validate the fields; see recordHeader.validate.
func parseRecordHeader(hdr []byte) (recordHeader, bool) {
	var (
		s      = cryptobyte.String(hdr)
		typ    uint8
		vers   uint16
		length uint16
	)
	if !s.ReadUint8(&typ) || !s.ReadUint16(&vers) || !s.ReadUint16(&length) {
		return recordHeader{}, false
	}
	return recordHeader{typ: ContentType(typ), vers: vers, length: int(length)}, true
}

// validate applies the framing rules: the legacy version must be TLS 1.2 and
// the length field must frame at least a nonce+tag and at most a full-size
// record. Any failure is fatal to the stream.
func (h recordHeader) validate() error {
	if h.vers != VersionTLS12 {
		return ErrBadVersion
	}
	if h.length > maxCiphertext {
		return ErrRecordTooLarge
	}
	if h.length < minCiphertext {
		return ErrRecordTooSmall
	}
	return nil
}

// RecordHeaderError is returned when an inbound record header fails
// validation. It wraps the framing sentinel (ErrBadVersion,
// ErrRecordTooLarge, ErrRecordTooSmall) for errors.Is and keeps the header
// bytes that triggered the failure.
type RecordHeaderError struct {
	// Msg is a human readable description of the failure.
	Msg string
	// RecordHeader holds the five header bytes that triggered the error.
	RecordHeader [recordHeaderLen]byte

	err error
}

func (e *RecordHeaderError) Error() string { return "tlswire: " + e.Msg }

func (e *RecordHeaderError) Unwrap() error { return e.err }

func newRecordHeaderError(hdr []byte, sentinel error, format string, args ...interface{}) *RecordHeaderError {
	e := &RecordHeaderError{
		Msg: fmt.Sprintf(format, args...),
		err: sentinel,
	}
	copy(e.RecordHeader[:], hdr)
	return e
}
