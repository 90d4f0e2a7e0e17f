// Copyright 2025 The tlswire Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tlswire

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	wireerrors "github.com/tlswire/tlswire/errors"
)

var cryptoRandReader io.Reader = rand.Reader

const (
	aeadNonceLength = 12 // salt + explicit record nonce
	aeadTagLength   = tagLen
)

// aead is the interface implemented by TLS 1.2 AEAD ciphers: a cipher.AEAD
// plus the number of explicit nonce bytes carried in each record.
type aead interface {
	cipher.AEAD
	explicitNonceLen() int
}

// prefixNonceAEAD wraps an AEAD whose nonce is the 4-byte connection salt
// followed by the 8-byte explicit record nonce (RFC 5288 GCMNonce).
type prefixNonceAEAD struct {
	// nonce contains the salt in the first four bytes; the explicit record
	// nonce is copied in before each call.
	nonce [aeadNonceLength]byte
	aead  cipher.AEAD
}

func (f *prefixNonceAEAD) NonceSize() int        { return aeadNonceLength - saltLen }
func (f *prefixNonceAEAD) Overhead() int         { return f.aead.Overhead() }
func (f *prefixNonceAEAD) explicitNonceLen() int { return f.NonceSize() }

func (f *prefixNonceAEAD) Seal(out, nonce, plaintext, additionalData []byte) []byte {
	copy(f.nonce[saltLen:], nonce)
	return f.aead.Seal(out, f.nonce[:], plaintext, additionalData)
}

func (f *prefixNonceAEAD) Open(out, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	copy(f.nonce[saltLen:], nonce)
	return f.aead.Open(out, f.nonce[:], ciphertext, additionalData)
}

// aeadAESGCM builds the TLS 1.2 AES-GCM record cipher from a 16-byte key and
// the 4-byte salt that prefixes every nonce.
func aeadAESGCM(key, noncePrefix []byte) (aead, error) {
	if len(noncePrefix) != saltLen {
		return nil, ErrBadKeySize
	}
	aesCipher, err := aes.NewCipher(key)
	if err != nil {
		return nil, wireerrors.New("tlswire: AES key setup failed").Base(err).AtError()
	}
	gcm, err := cipher.NewGCM(aesCipher)
	if err != nil {
		return nil, wireerrors.New("tlswire: GCM setup failed").Base(err).AtError()
	}
	ret := &prefixNonceAEAD{aead: gcm}
	copy(ret.nonce[:], noncePrefix)
	return ret, nil
}

// newRecordCipher validates a CryptoInfo and builds the direction's AEAD.
// Only AES-128-GCM is supported; anything else is ErrBadAlgorithm.
func newRecordCipher(info CryptoInfo) (aead, error) {
	if info.Cipher != CipherAES128GCM {
		return nil, ErrBadAlgorithm
	}
	return aeadAESGCM(info.Key[:], info.Salt[:])
}

// cryptoInfoFromSlices assembles a CryptoInfo from raw key material,
// rejecting any field of the wrong length with ErrBadKeySize.
func cryptoInfoFromSlices(cipherID uint16, key, salt, iv, seq []byte) (CryptoInfo, error) {
	info := CryptoInfo{Cipher: cipherID}
	if len(key) != keyLen || len(salt) != saltLen ||
		len(iv) != explicitIVLen || len(seq) != explicitIVLen {
		return info, ErrBadKeySize
	}
	copy(info.Key[:], key)
	copy(info.Salt[:], salt)
	copy(info.IV[:], iv)
	copy(info.Seq[:], seq)
	return info, nil
}

// zeroSlice overwrites sensitive key material. The loop form keeps the
// compiler from eliding the stores behind a dead-store optimization.
func zeroSlice(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
