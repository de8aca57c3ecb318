package comms

import (
	"testing"

	"golang.org/x/sys/unix"
)

// socketpair returns two connected, pre-wired Channels without touching
// the filesystem or the abstract namespace, the same shortcut the
// reference implementation's comms_test.cc uses via socketpair(2).
func socketpair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	a := NewFromFD(fds[0], "a")
	b := NewFromFD(fds[1], "b")
	t.Cleanup(func() {
		a.Terminate()
		b.Terminate()
	})
	return a, b
}

func TestSendRecvTLVRoundTrip(t *testing.T) {
	a, b := socketpair(t)

	const customTag = 0x1
	payload := []byte("hello sandboxee")
	if err := a.SendTLV(customTag, payload); err != nil {
		t.Fatalf("SendTLV: %v", err)
	}
	tag, got, err := b.RecvTLV(AnyTag)
	if err != nil {
		t.Fatalf("RecvTLV: %v", err)
	}
	if tag != customTag {
		t.Errorf("tag = %#x, want %#x", tag, customTag)
	}
	if string(got) != string(payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}
}

func TestRecvTLVRejectsWrongTag(t *testing.T) {
	a, b := socketpair(t)

	if err := a.SendTLV(TagString, []byte("x")); err != nil {
		t.Fatalf("SendTLV: %v", err)
	}
	if _, _, err := b.RecvTLV(TagBytes); err == nil {
		t.Fatal("expected a tag mismatch error")
	}
}

func TestSendRecvTLVLargeFrameUsesTwoWrites(t *testing.T) {
	a, b := socketpair(t)

	payload := make([]byte, sendTLVInlineThreshold*4)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := a.SendTLV(TagBytes, payload); err != nil {
		t.Fatalf("SendTLV: %v", err)
	}
	_, got, err := b.RecvTLV(TagBytes)
	if err != nil {
		t.Fatalf("RecvTLV: %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("got %d bytes, want %d", len(got), len(payload))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("payload mismatch at byte %d", i)
		}
	}
}

func TestTypedHelpersRoundTrip(t *testing.T) {
	a, b := socketpair(t)

	if err := a.SendBool(true); err != nil {
		t.Fatalf("SendBool: %v", err)
	}
	if v, err := b.RecvBool(); err != nil || v != true {
		t.Fatalf("RecvBool = %v, %v, want true, nil", v, err)
	}

	if err := a.SendInt32(-12345); err != nil {
		t.Fatalf("SendInt32: %v", err)
	}
	if v, err := b.RecvInt32(); err != nil || v != -12345 {
		t.Fatalf("RecvInt32 = %v, %v, want -12345, nil", v, err)
	}

	if err := a.SendUint64(1 << 40); err != nil {
		t.Fatalf("SendUint64: %v", err)
	}
	if v, err := b.RecvUint64(); err != nil || v != 1<<40 {
		t.Fatalf("RecvUint64 = %v, %v, want %d, nil", v, err, uint64(1)<<40)
	}

	if err := a.SendString("sandboxee ready"); err != nil {
		t.Fatalf("SendString: %v", err)
	}
	if v, err := b.RecvString(); err != nil || v != "sandboxee ready" {
		t.Fatalf("RecvString = %q, %v, want %q, nil", v, err, "sandboxee ready")
	}
}

func TestTerminateClosesAndRejectsFurtherUse(t *testing.T) {
	a, b := socketpair(t)
	_ = b

	a.Terminate()
	if !a.IsTerminated() {
		t.Fatal("expected IsTerminated() after Terminate")
	}
	if err := a.SendBool(true); err == nil {
		t.Fatal("expected SendBool to fail on a terminated channel")
	}
	// Terminate is idempotent.
	a.Terminate()
}

func TestOversizedFrameIsRejectedBeforeAllocating(t *testing.T) {
	a, b := socketpair(t)

	header := make([]byte, 8)
	byteOrder.PutUint32(header[0:4], TagBytes)
	byteOrder.PutUint32(header[4:8], 0xffffffff)
	if err := a.send(header); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, _, err := b.RecvTLV(AnyTag); err == nil {
		t.Fatal("expected an oversized-frame error")
	}
}

func TestSendFDRecvFD(t *testing.T) {
	a, b := socketpair(t)

	pipeFDs := make([]int, 2)
	if err := unix.Pipe(pipeFDs); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(pipeFDs[1])

	if err := a.SendFD(pipeFDs[0]); err != nil {
		t.Fatalf("SendFD: %v", err)
	}
	unix.Close(pipeFDs[0])

	got, err := b.RecvFD()
	if err != nil {
		t.Fatalf("RecvFD: %v", err)
	}
	defer unix.Close(got)

	msg := []byte("fd-passing-works")
	if _, err := unix.Write(pipeFDs[1], msg); err != nil {
		t.Fatalf("write to original pipe write end: %v", err)
	}
	readBuf := make([]byte, len(msg))
	if _, err := unix.Read(got, readBuf); err != nil {
		t.Fatalf("read from received fd: %v", err)
	}
	if string(readBuf) != string(msg) {
		t.Fatalf("got %q through the passed FD, want %q", readBuf, msg)
	}
}

func TestListenerAccept(t *testing.T) {
	socketName := "comms-test-listener"
	l, err := Listen(socketName, true)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	accepted := make(chan *Channel, 1)
	acceptErr := make(chan error, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- c
	}()

	client, err := Connect(socketName, true)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Terminate()

	select {
	case err := <-acceptErr:
		t.Fatalf("Accept: %v", err)
	case server := <-accepted:
		defer server.Terminate()
		if err := client.SendString("ping"); err != nil {
			t.Fatalf("SendString: %v", err)
		}
		got, err := server.RecvString()
		if err != nil {
			t.Fatalf("RecvString: %v", err)
		}
		if got != "ping" {
			t.Fatalf("got %q, want %q", got, "ping")
		}
	}
}
