package main

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeConnector records the calls a session makes to its connector so
// tests can assert on ordering and counts without a real WebSocket.
type fakeConnector struct {
	mu       sync.Mutex
	data     [][]byte
	metas    []map[string]any
	binaries [][]byte
	closed   int
	closeCh  chan struct{}
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{closeCh: make(chan struct{})}
}

func (f *fakeConnector) OnData(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.data = append(f.data, cp)
}

func (f *fakeConnector) OnMeta(meta map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metas = append(f.metas, meta)
}

func (f *fakeConnector) OnBinaryMessage(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.binaries = append(f.binaries, cp)
}

func (f *fakeConnector) OnClose() {
	f.mu.Lock()
	f.closed++
	first := f.closed == 1
	f.mu.Unlock()
	if first {
		close(f.closeCh)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitClosed(t *testing.T, conn *fakeConnector) {
	t.Helper()
	select {
	case <-conn.closeCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for on_close")
	}
}

func TestAppSessionDecodesPacketsAndForwards(t *testing.T) {
	// Emits: readiness sentinel, D|5|hello, M|15|{"type":"exit"}
	script := `printf '__GANGLION__\nD\000\000\000\005helloM\000\000\000\017{"type":"exit"}'`
	entry := AppEntry{Slug: "demo", Command: script}
	conn := newFakeConnector()

	sess, err := NewAppSession(entry, 80, 24, conn, testLogger())
	if err != nil {
		t.Fatalf("NewAppSession: %v", err)
	}
	defer sess.Close()

	waitClosed(t, conn)

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if len(conn.data) != 1 || string(conn.data[0]) != "hello" {
		t.Fatalf("expected one data frame 'hello', got %q", conn.data)
	}
	if len(conn.metas) != 1 || conn.metas[0]["type"] != "exit" {
		t.Fatalf("expected one exit meta, got %v", conn.metas)
	}
	if conn.closed != 1 {
		t.Fatalf("expected on_close exactly once, got %d", conn.closed)
	}
	if sess.State() != StateClosed {
		t.Fatalf("expected state closed, got %v", sess.State())
	}
}

func TestAppSessionOversizedPayloadClosesWithoutData(t *testing.T) {
	// Declares a length one byte past maxPayloadSize (0x00400001) with no
	// payload following; the loop must bail before trying to read it.
	script := `printf '__GANGLION__\nD\000\100\000\001'; sleep 5`
	entry := AppEntry{Slug: "demo", Command: script}
	conn := newFakeConnector()

	sess, err := NewAppSession(entry, 80, 24, conn, testLogger())
	if err != nil {
		t.Fatalf("NewAppSession: %v", err)
	}
	defer sess.Close()

	waitClosed(t, conn)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.data) != 0 {
		t.Fatalf("expected no data delivered, got %q", conn.data)
	}
	if conn.closed != 1 {
		t.Fatalf("expected on_close exactly once, got %d", conn.closed)
	}
}

func TestPacketRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("hello"),
		bytes.Repeat([]byte{'z'}, 4096),
	}
	for _, payload := range cases {
		var buf bytes.Buffer
		if err := writePacket(&buf, tagData, payload); err != nil {
			t.Fatalf("writePacket: %v", err)
		}
		tag, got, err := readPacket(bufio.NewReader(&buf))
		if err != nil {
			t.Fatalf("readPacket: %v", err)
		}
		if tag != tagData {
			t.Fatalf("expected tag %q, got %q", tagData, tag)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("expected payload %q, got %q", payload, got)
		}
	}
}

// TestAppSessionQueuesResizeDuringPending is the regression test for the
// dispatcher's synchronous SetTerminalSize-right-after-NewSession call
// (§4.7): a resize that arrives before the readiness sentinel must not be
// silently dropped by SendMeta's StateRunning guard. The script sleeps
// before emitting the sentinel to guarantee the session is still PENDING
// when SetTerminalSize is called, the way the real race almost always
// resolves.
func TestAppSessionQueuesResizeDuringPending(t *testing.T) {
	script := `sleep 0.2; printf '__GANGLION__\n'; cat >/dev/null`
	entry := AppEntry{Slug: "demo", Command: script}
	conn := newFakeConnector()

	sess, err := NewAppSession(entry, 80, 24, conn, testLogger())
	if err != nil {
		t.Fatalf("NewAppSession: %v", err)
	}
	defer sess.Close()

	if sess.State() != StatePending {
		t.Fatalf("expected session to still be PENDING immediately after creation, got %v", sess.State())
	}
	sess.SetTerminalSize(90, 40)

	sess.mu.Lock()
	queued := sess.pendingResize
	sess.mu.Unlock()
	if queued == nil || queued.Cols != 90 || queued.Rows != 40 {
		t.Fatalf("expected the resize to be queued while PENDING, got %v", queued)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if sess.State() == StateRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for session to reach RUNNING")
		}
		time.Sleep(10 * time.Millisecond)
	}

	sess.mu.Lock()
	flushed := sess.pendingResize
	sess.mu.Unlock()
	if flushed != nil {
		t.Fatalf("expected queued resize to be flushed once RUNNING, still pending: %v", flushed)
	}
}

func TestReadPacketOversizedLengthRejected(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(tagData)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], maxPayloadSize+1)
	buf.Write(lenBuf[:])

	_, _, err := readPacket(bufio.NewReader(&buf))
	if err != errPayloadTooLarge {
		t.Fatalf("expected errPayloadTooLarge, got %v", err)
	}
}
