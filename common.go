// Copyright 2025 The tlswire Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tlswire implements the TLS 1.2 software record layer: the framing,
// sealing and opening of AEAD-protected records between a byte-stream
// transport and an application, with traffic keys supplied by an external
// handshake. It performs no negotiation of its own.
package tlswire

import (
	"io"
	"time"

	wireerrors "github.com/tlswire/tlswire/errors"
)

const (
	maxPlaintext    = 16384        // maximum plaintext payload length per record
	recordHeaderLen = 5            // record header length
	explicitIVLen   = 8            // per-record explicit nonce carried on the wire
	saltLen         = 4            // static nonce prefix from the handshake
	keyLen          = 16           // AES-128 key length
	tagLen          = 16           // GCM auth tag length
	minCiphertext   = explicitIVLen + tagLen                   // smallest legal length field
	maxCiphertext   = maxPlaintext + explicitIVLen + tagLen    // largest legal length field
	recordOverhead  = recordHeaderLen + explicitIVLen + tagLen // wire bytes added per record

	// maxRecordFragments caps the scatter-gather fragments referenced for a
	// single record; larger page sets fall back to copying.
	maxRecordFragments = 16

	// maxUselessRecords bounds consecutive records that neither carry
	// plaintext nor change the reader's state (e.g. empty records sent to
	// randomize traffic), so a misbehaving peer cannot spin the reader.
	maxUselessRecords = 32
)

// VersionTLS12 is the only record-layer protocol version this engine speaks.
const VersionTLS12 = 0x0303

// ContentType is the record-layer content type carried in the first header
// byte of every record.
type ContentType uint8

const (
	ContentTypeChangeCipherSpec ContentType = 20
	ContentTypeAlert            ContentType = 21
	ContentTypeHandshake        ContentType = 22
	ContentTypeApplicationData  ContentType = 23
)

func (t ContentType) String() string {
	switch t {
	case ContentTypeChangeCipherSpec:
		return "change_cipher_spec"
	case ContentTypeAlert:
		return "alert"
	case ContentTypeHandshake:
		return "handshake"
	case ContentTypeApplicationData:
		return "application_data"
	default:
		return "unknown"
	}
}

// Direction selects one half of a connection.
type Direction uint8

const (
	DirTX Direction = iota
	DirRX
)

func (d Direction) String() string {
	if d == DirTX {
		return "tx"
	}
	return "rx"
}

// Flags modify Send/Recv behavior. Input flags mirror the sendmsg/recvmsg
// flags of the socket interface this engine replaces; FlagEOR is output-only.
type Flags uint32

const (
	// FlagMore lets the engine defer record emission to coalesce the
	// plaintext with later sends.
	FlagMore Flags = 1 << iota
	// FlagDontWait makes the call fail with ErrWouldBlock instead of
	// blocking on transport back-pressure or record availability.
	FlagDontWait
	// FlagNoSignal is accepted for interface parity; in-process there is no
	// SIGPIPE analog to suppress. Interruption is the Config.Interrupt hook.
	FlagNoSignal
	// FlagPeek returns plaintext without consuming it.
	FlagPeek
	// FlagWaitAll keeps Recv filling the caller's buffer across data records
	// instead of returning at the first record boundary.
	FlagWaitAll
	// FlagEOR closes the open record after this payload, overriding an
	// accompanying FlagMore. Recv reports the matching end-of-record
	// condition through its boolean result.
	FlagEOR
)

// Has reports whether all bits of o are set in f.
func (f Flags) Has(o Flags) bool { return f&o == o }

// CipherAES128GCM identifies AES-128-GCM traffic keys. The value matches the
// kernel's TLS_CIPHER_AES_GCM_128 so CryptoInfo can be filled from the same
// material handed to setsockopt(SOL_TLS).
const CipherAES128GCM uint16 = 51

// CryptoInfo carries one direction's finished traffic keys. The handshake
// layer fills it; the record engine never derives key material itself.
type CryptoInfo struct {
	Cipher uint16
	Key    [keyLen]byte
	Salt   [saltLen]byte
	IV     [explicitIVLen]byte
	Seq    [explicitIVLen]byte
}

// A Config structure is used to configure a record-layer Conn. The zero
// value is a valid configuration. A Config may be reused between Conns.
type Config struct {
	// SendTimeout bounds blocking waits for transport send-buffer space.
	// Zero means wait forever.
	SendTimeout time.Duration

	// RecvTimeout bounds blocking waits for a complete inbound record.
	// Zero means wait forever.
	RecvTimeout time.Duration

	// Interrupt, if non-nil, is polled at every wake from a blocking wait;
	// returning true aborts the call with ErrInterrupted. It stands in for
	// the kernel's signal-pending check.
	Interrupt func() bool

	// Rand is unused by AES-GCM sealing (the explicit nonce is the record
	// sequence) but kept for cipher additions that need randomness.
	// Defaults to crypto/rand.Reader.
	Rand io.Reader
}

func (c *Config) rand() io.Reader {
	if c == nil || c.Rand == nil {
		return cryptoRandReader
	}
	return c.Rand
}

func (c *Config) sendTimeout() time.Duration {
	if c == nil {
		return 0
	}
	return c.SendTimeout
}

func (c *Config) recvTimeout() time.Duration {
	if c == nil {
		return 0
	}
	return c.RecvTimeout
}

func (c *Config) interrupted() bool {
	return c != nil && c.Interrupt != nil && c.Interrupt()
}

// Recoverable errors: the call may simply be retried.
var (
	// ErrWouldBlock is returned by non-blocking calls that could not make
	// progress: the send buffer is full or no complete record is queued.
	ErrWouldBlock = wireerrors.New("tlswire: operation would block").AtDebug()

	// ErrTimeout is returned when a blocking wait exceeds the configured
	// send or receive timeout.
	ErrTimeout = wireerrors.New("tlswire: i/o timeout").AtInfo()

	// ErrInterrupted is returned when MarkError-driven cancellation or the
	// Interrupt predicate fires during a blocking wait.
	ErrInterrupted = wireerrors.New("tlswire: operation interrupted").AtInfo()
)

// Fatal errors: the affected direction latches them and every subsequent
// call on that direction fails the same way.
var (
	// ErrRecordTooLarge reports a length field above the protocol ceiling.
	ErrRecordTooLarge = wireerrors.New("tlswire: oversized record").AtError()

	// ErrRecordTooSmall reports a length field too short to hold the
	// explicit nonce and tag.
	ErrRecordTooSmall = wireerrors.New("tlswire: runt record").AtError()

	// ErrBadVersion reports a record header without the TLS 1.2 version.
	ErrBadVersion = wireerrors.New("tlswire: unsupported record version").AtError()

	// ErrBadMAC reports an AEAD authentication failure.
	ErrBadMAC = wireerrors.New("tlswire: record authentication failed").AtError()

	// ErrSequenceOverflow reports a sequence number that would wrap; the
	// connection must be torn down rather than reuse a nonce.
	ErrSequenceOverflow = wireerrors.New("tlswire: sequence number overflow").AtError()

	// ErrCrypto reports an AEAD engine failure other than authentication.
	ErrCrypto = wireerrors.New("tlswire: cipher failure").AtError()
)

// Caller errors: the connection is unaffected.
var (
	// ErrBadAlgorithm rejects traffic keys for any cipher other than
	// AES-128-GCM.
	ErrBadAlgorithm = wireerrors.New("tlswire: unsupported cipher").AtWarning()

	// ErrBadKeySize rejects traffic-key material with wrong field lengths.
	ErrBadKeySize = wireerrors.New("tlswire: bad key material size").AtWarning()

	// ErrAlreadyActive rejects a second key installation on a direction;
	// re-keying is out of scope.
	ErrAlreadyActive = wireerrors.New("tlswire: keys already installed").AtWarning()

	// ErrNotSupported rejects operations outside the engine's contract,
	// such as splicing a non-data record.
	ErrNotSupported = wireerrors.New("tlswire: operation not supported").AtWarning()

	// ErrShutdown is returned after Shutdown was called on the direction.
	ErrShutdown = wireerrors.New("tlswire: direction is shut down").AtWarning()

	// ErrNoKeys is returned when a direction is used before its traffic
	// keys were installed.
	ErrNoKeys = wireerrors.New("tlswire: no keys installed").AtWarning()

	// ErrControlRecord is returned by Read when the consumed record carried
	// a non-data content type; the bytes are still delivered.
	ErrControlRecord = wireerrors.New("tlswire: control record received").AtInfo()
)
