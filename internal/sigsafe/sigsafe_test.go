package sigsafe

import (
	"os"
	"syscall"
	"testing"
)

func TestWriteWritesExactBytes(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	Write(int(w.Fd()), []byte("hello"))
	w.Close()

	buf := make([]byte, 16)
	n, err := r.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("read %q, want %q", buf[:n], "hello")
	}
}

func TestLoggerErrorIncludesPrefix(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	l := New(int(w.Fd()), "sandboxee: ")
	l.Error("setup failed")
	w.Close()

	buf := make([]byte, 64)
	n, _ := r.Read(buf)
	got := string(buf[:n])
	want := "sandboxee: setup failed\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestLoggerErrorErrnoFormatsNumber(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	l := New(int(w.Fd()), "")
	l.ErrorErrno("connect", syscall.Errno(13))
	w.Close()

	buf := make([]byte, 64)
	n, _ := r.Read(buf)
	got := string(buf[:n])
	want := "connect: errno 13\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestAppendIntHandlesZeroAndNegative(t *testing.T) {
	cases := []struct {
		v    int64
		want string
	}{
		{0, "0"},
		{7, "7"},
		{-42, "-42"},
		{12345, "12345"},
	}
	for _, c := range cases {
		got := string(appendInt(nil, c.v))
		if got != c.want {
			t.Errorf("appendInt(%d) = %q, want %q", c.v, got, c.want)
		}
	}
}
