// Copyright 2025 The tlswire Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tlswire

import (
	stderrors "errors"
	"io"
	"net"
	"testing"
	"time"
)

func testCryptoInfo() CryptoInfo {
	var info CryptoInfo
	info.Cipher = CipherAES128GCM
	copy(info.Key[:], "0123456789abcdef")
	copy(info.Salt[:], "salt")
	copy(info.IV[:], "explicit")
	return info
}

func testCryptoInfoReverse() CryptoInfo {
	var info CryptoInfo
	info.Cipher = CipherAES128GCM
	copy(info.Key[:], "fedcba9876543210")
	copy(info.Salt[:], "tlas")
	copy(info.IV[:], "ticilpxe")
	return info
}

// testConnPair returns two record engines joined by an in-memory pipe, with
// independent keys installed in both directions.
func testConnPair(t *testing.T, sendbuf int, config *Config) (*Conn, *Conn) {
	t.Helper()
	ta, tb := Pipe(sendbuf)
	a := NewConn(ta, config)
	b := NewConn(tb, config)
	fwd, rev := testCryptoInfo(), testCryptoInfoReverse()
	for _, err := range []error{
		a.SetTXKeys(fwd), b.SetRXKeys(fwd),
		b.SetTXKeys(rev), a.SetRXKeys(rev),
	} {
		if err != nil {
			t.Fatalf("key install: %v", err)
		}
	}
	return a, b
}

// sealTestRecords runs payloads through a fresh sender and returns the raw
// wire bytes. Sequence numbers start at zero, so identical payload sets
// produce identical wire bytes.
func sealTestRecords(t *testing.T, payloads ...sendOp) []byte {
	t.Helper()
	ta, tb := Pipe(1 << 20)
	c := NewConn(ta, nil)
	if err := c.SetTXKeys(testCryptoInfo()); err != nil {
		t.Fatalf("SetTXKeys: %v", err)
	}
	for _, op := range payloads {
		if _, err := c.Send([]byte(op.payload), op.typ, op.flags); err != nil {
			t.Fatalf("Send(%q): %v", op.payload, err)
		}
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	var wire []byte
	tmp := make([]byte, 4096)
	for {
		n, err := tb.Pull(tmp)
		if stderrors.Is(err, ErrWouldBlock) {
			break
		}
		if err != nil {
			t.Fatalf("Pull: %v", err)
		}
		wire = append(wire, tmp[:n]...)
	}
	return wire
}

type sendOp struct {
	payload string
	typ     ContentType
	flags   Flags
}

func appData(payload string) sendOp {
	return sendOp{payload: payload, typ: ContentTypeApplicationData}
}

// testReceiver returns a keyed receiving engine and the raw peer endpoint
// wire bytes can be pushed into.
func testReceiver(t *testing.T, config *Config) (*Conn, Transport) {
	t.Helper()
	ta, tb := Pipe(1 << 20)
	c := NewConn(ta, config)
	if err := c.SetRXKeys(testCryptoInfo()); err != nil {
		t.Fatalf("SetRXKeys: %v", err)
	}
	return c, tb
}

func pushWire(t *testing.T, peer Transport, wire []byte) {
	t.Helper()
	if _, err := peer.Push(net.Buffers{wire}); err != nil {
		t.Fatalf("Push: %v", err)
	}
}

func TestInstallKeysTwice(t *testing.T) {
	c := NewConn(nil, nil)
	if err := c.SetTXKeys(testCryptoInfo()); err != nil {
		t.Fatalf("first install: %v", err)
	}
	if err := c.SetTXKeys(testCryptoInfo()); !stderrors.Is(err, ErrAlreadyActive) {
		t.Errorf("second install: got %v, want ErrAlreadyActive", err)
	}
	// The other direction is unaffected.
	if err := c.SetRXKeys(testCryptoInfo()); err != nil {
		t.Errorf("rx install after tx: %v", err)
	}
}

func TestUseBeforeKeys(t *testing.T) {
	ta, _ := Pipe(1024)
	c := NewConn(ta, nil)
	if _, err := c.Send([]byte("x"), ContentTypeApplicationData, 0); !stderrors.Is(err, ErrNoKeys) {
		t.Errorf("Send: got %v, want ErrNoKeys", err)
	}
	if _, _, _, err := c.Recv(make([]byte, 16), 0); !stderrors.Is(err, ErrNoKeys) {
		t.Errorf("Recv: got %v, want ErrNoKeys", err)
	}
}

func TestSetKeysValidation(t *testing.T) {
	c := NewConn(nil, nil)
	key := make([]byte, keyLen)
	salt := make([]byte, saltLen)
	iv := make([]byte, explicitIVLen)
	seq := make([]byte, explicitIVLen)

	if err := c.SetKeys(DirTX, CipherAES128GCM, key[:keyLen-1], salt, iv, seq); !stderrors.Is(err, ErrBadKeySize) {
		t.Errorf("short key: got %v, want ErrBadKeySize", err)
	}
	if err := c.SetKeys(DirTX, CipherAES128GCM, key, salt[:1], iv, seq); !stderrors.Is(err, ErrBadKeySize) {
		t.Errorf("short salt: got %v, want ErrBadKeySize", err)
	}
	if err := c.SetKeys(DirTX, 0x1234, key, salt, iv, seq); !stderrors.Is(err, ErrBadAlgorithm) {
		t.Errorf("unknown cipher: got %v, want ErrBadAlgorithm", err)
	}
	if err := c.SetKeys(DirTX, CipherAES128GCM, key, salt, iv, seq); err != nil {
		t.Errorf("valid material: %v", err)
	}
	if err := c.SetKeys(DirRX, CipherAES128GCM, key, salt, iv, seq); err != nil {
		t.Errorf("valid material rx: %v", err)
	}
}

func TestShutdownLatches(t *testing.T) {
	a, _ := testConnPair(t, 1<<16, nil)
	if err := a.Shutdown(DirTX); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := a.Shutdown(DirTX); err != nil {
		t.Errorf("repeated Shutdown: %v", err)
	}
	if _, err := a.Send([]byte("x"), ContentTypeApplicationData, 0); !stderrors.Is(err, ErrShutdown) {
		t.Errorf("Send after shutdown: got %v, want ErrShutdown", err)
	}
	if err := a.SetTXKeys(testCryptoInfo()); !stderrors.Is(err, ErrShutdown) {
		t.Errorf("key install after shutdown: got %v, want ErrShutdown", err)
	}
	// RX stays usable until shut down on its own.
	if _, _, _, err := a.Recv(make([]byte, 8), FlagDontWait); !stderrors.Is(err, ErrWouldBlock) {
		t.Errorf("Recv after tx shutdown: got %v, want ErrWouldBlock", err)
	}
}

func TestShutdownDrainsPending(t *testing.T) {
	ta, tb := Pipe(16)
	c := NewConn(ta, nil)
	if err := c.SetTXKeys(testCryptoInfo()); err != nil {
		t.Fatalf("SetTXKeys: %v", err)
	}
	msg := []byte("hello world")
	if n, err := c.Send(msg, ContentTypeApplicationData, FlagDontWait); n != len(msg) || err != nil {
		t.Fatalf("Send: got (%d, %v), want (%d, nil)", n, err, len(msg))
	}

	collected := make(chan []byte, 1)
	go func() {
		var wire []byte
		tmp := make([]byte, 64)
		want := len(msg) + recordOverhead
		for len(wire) < want {
			n, err := tb.Pull(tmp)
			if stderrors.Is(err, ErrWouldBlock) {
				time.Sleep(time.Millisecond)
				continue
			}
			if err != nil {
				break
			}
			wire = append(wire, tmp[:n]...)
		}
		collected <- wire
	}()

	if err := c.Shutdown(DirTX); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	wire := <-collected
	if got, want := len(wire), len(msg)+recordOverhead; got != want {
		t.Errorf("drained %d wire bytes, want %d", got, want)
	}
}

func TestCloseTearsDownBothHalves(t *testing.T) {
	a, _ := testConnPair(t, 1<<16, nil)
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := a.Send([]byte("x"), ContentTypeApplicationData, 0); !stderrors.Is(err, ErrShutdown) {
		t.Errorf("Send after close: got %v, want ErrShutdown", err)
	}
	if _, _, _, err := a.Recv(make([]byte, 8), 0); !stderrors.Is(err, ErrShutdown) {
		t.Errorf("Recv after close: got %v, want ErrShutdown", err)
	}
}

func TestPollReadiness(t *testing.T) {
	a, b := testConnPair(t, 1<<16, nil)

	st := b.Poll()
	if st.Readable {
		t.Error("fresh connection reported readable")
	}
	if !st.Writable {
		t.Error("fresh connection not writable")
	}
	if st.Err != nil {
		t.Errorf("fresh connection Err = %v", st.Err)
	}

	if _, err := a.Send([]byte("ping"), ContentTypeApplicationData, 0); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if st := b.Poll(); !st.Readable {
		t.Error("not readable with a record queued")
	}

	buf := make([]byte, 16)
	if _, _, _, err := b.Recv(buf, 0); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if st := b.Poll(); st.Readable {
		t.Error("still readable after drain")
	}

	if err := b.Shutdown(DirTX); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if st := b.Poll(); st.Writable {
		t.Error("writable after tx shutdown")
	}
}

func TestMarkErrorWakesBlockedRecv(t *testing.T) {
	_, b := testConnPair(t, 1<<16, nil)
	boom := stderrors.New("boom")

	done := make(chan error, 1)
	go func() {
		_, _, _, err := b.Recv(make([]byte, 16), 0)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	b.MarkError(boom)

	select {
	case err := <-done:
		if !stderrors.Is(err, boom) {
			t.Errorf("Recv: got %v, want %v", err, boom)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not wake after MarkError")
	}
}

func TestInterruptPredicate(t *testing.T) {
	interrupted := false
	config := &Config{Interrupt: func() bool { return interrupted }}
	_, b := testConnPair(t, 1<<16, config)

	interrupted = true
	if _, _, _, err := b.Recv(make([]byte, 16), 0); !stderrors.Is(err, ErrInterrupted) {
		t.Errorf("Recv: got %v, want ErrInterrupted", err)
	}
}

func TestRecvTimeout(t *testing.T) {
	_, b := testConnPair(t, 1<<16, &Config{RecvTimeout: 20 * time.Millisecond})
	start := time.Now()
	if _, _, _, err := b.Recv(make([]byte, 16), 0); !stderrors.Is(err, ErrTimeout) {
		t.Errorf("Recv: got %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestSendTimeout(t *testing.T) {
	ta, _ := Pipe(8)
	c := NewConn(ta, &Config{SendTimeout: 20 * time.Millisecond})
	if err := c.SetTXKeys(testCryptoInfo()); err != nil {
		t.Fatalf("SetTXKeys: %v", err)
	}
	// The record exceeds the send buffer and nobody drains the peer.
	n, err := c.Send([]byte("hello"), ContentTypeApplicationData, 0)
	if !stderrors.Is(err, ErrTimeout) && err != nil {
		t.Errorf("Send: got %v, want ErrTimeout or retained record", err)
	}
	if err == nil && n != 5 {
		t.Errorf("Send consumed %d bytes, want 5", n)
	}
}

func TestReadWrite(t *testing.T) {
	a, b := testConnPair(t, 1<<16, nil)
	msg := []byte("the quick brown fox")
	if n, err := a.Write(msg); n != len(msg) || err != nil {
		t.Fatalf("Write: got (%d, %v)", n, err)
	}
	buf := make([]byte, 64)
	n, err := b.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != string(msg) {
		t.Errorf("Read: got %q, want %q", buf[:n], msg)
	}
}

func TestReadFlagsControlRecords(t *testing.T) {
	a, b := testConnPair(t, 1<<16, nil)
	if _, err := a.Send([]byte{0x01, 0x00}, ContentTypeAlert, 0); err != nil {
		t.Fatalf("Send: %v", err)
	}
	buf := make([]byte, 16)
	n, err := b.Read(buf)
	if !stderrors.Is(err, ErrControlRecord) {
		t.Errorf("Read: got %v, want ErrControlRecord", err)
	}
	if n != 2 {
		t.Errorf("Read delivered %d bytes, want 2", n)
	}
}

func TestCleanEOF(t *testing.T) {
	ta, tb := Pipe(1 << 16)
	a := NewConn(ta, nil)
	b := NewConn(tb, nil)
	info := testCryptoInfo()
	if err := a.SetTXKeys(info); err != nil {
		t.Fatal(err)
	}
	if err := b.SetRXKeys(info); err != nil {
		t.Fatal(err)
	}

	if _, err := a.Send([]byte("hi"), ContentTypeApplicationData, 0); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ta.MarkError(io.EOF)

	buf := make([]byte, 16)
	n, _, _, err := b.Recv(buf, 0)
	if err != nil || n != 2 {
		t.Fatalf("Recv before EOF: got (%d, %v)", n, err)
	}
	if _, _, _, err := b.Recv(buf, 0); !stderrors.Is(err, io.EOF) {
		t.Errorf("Recv at EOF: got %v, want io.EOF", err)
	}
	// EOF is latched.
	if _, _, _, err := b.Recv(buf, 0); !stderrors.Is(err, io.EOF) {
		t.Errorf("Recv after EOF: got %v, want io.EOF", err)
	}
}

func TestShutdownStalledPeerTimesOut(t *testing.T) {
	ta, _ := Pipe(16)
	c := NewConn(ta, &Config{SendTimeout: 20 * time.Millisecond})
	if err := c.SetTXKeys(testCryptoInfo()); err != nil {
		t.Fatalf("SetTXKeys: %v", err)
	}
	msg := []byte("hello world")
	if n, err := c.Send(msg, ContentTypeApplicationData, FlagDontWait); n != len(msg) || err != nil {
		t.Fatalf("Send: got (%d, %v), want (%d, nil)", n, err, len(msg))
	}

	// Nobody drains the peer: the teardown drain must give up instead of
	// waiting forever.
	start := time.Now()
	if err := c.Shutdown(DirTX); !stderrors.Is(err, ErrTimeout) {
		t.Errorf("Shutdown: got %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Shutdown took %v", elapsed)
	}
	if _, err := c.Send([]byte("x"), ContentTypeApplicationData, 0); !stderrors.Is(err, ErrShutdown) {
		t.Errorf("Send after shutdown: got %v, want ErrShutdown", err)
	}
}

func TestTruncatedStream(t *testing.T) {
	wire := sealTestRecords(t, appData("hello"))
	c, peer := testReceiver(t, nil)
	pushWire(t, peer, wire[:20])
	peer.MarkError(io.EOF)

	if _, _, _, err := c.Recv(make([]byte, 16), 0); !stderrors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Recv: got %v, want io.ErrUnexpectedEOF", err)
	}
}
