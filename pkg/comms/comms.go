// Package comms implements the framed, bidirectional control channel used
// between a supervisor and its sandboxee: a single connected AF_UNIX
// SOCK_STREAM socket carrying tag-length-value (TLV) frames, plus the
// ancillary-data paths (SCM_RIGHTS, SCM_CREDENTIALS) needed to hand off file
// descriptors and verify peer identity. It mirrors the direct-syscall style
// of the teacher's pkg/unet (EINTR/EAGAIN retry loops around raw sendmsg/
// recvmsg) rather than net.UnixConn, since the latter hides the ancillary
// data paths this channel depends on.
package comms

import (
	"encoding"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "comms")

// Built-in TLV tags. Values mirror the layout of the original reference
// implementation's tag constants so a frame dump is recognizable, but
// custom tags are free to use anything below 0x80000000.
const (
	TagBool    uint32 = 0x80000001
	TagInt8    uint32 = 0x80000002
	TagUint8   uint32 = 0x80000003
	TagInt16   uint32 = 0x80000004
	TagUint16  uint32 = 0x80000005
	TagInt32   uint32 = 0x80000006
	TagUint32  uint32 = 0x80000007
	TagInt64   uint32 = 0x80000008
	TagUint64  uint32 = 0x80000009
	TagString  uint32 = 0x80000100
	TagBytes   uint32 = 0x80000101
	TagMessage uint32 = 0x80000102
	TagFD      uint32 = 0x80000201

	// AnyTag tells RecvTLV to accept whatever tag arrives.
	AnyTag uint32 = 0
)

// MaxFrameSize bounds the length field of any TLV frame this channel will
// accept; defaults to the largest value a signed 32-bit length can hold, to
// stay clear of the historical protobuf/arena size ceiling the reference
// implementation worked around.
const MaxFrameSize = 1<<31 - 1

// warnFrameSize is the size above which RecvTLV logs a warning before
// reading the payload, the same heuristic threshold as the reference
// implementation's kWarnMsgSize.
const warnFrameSize = 256 << 20

// sendTLVInlineThreshold is the largest payload length for which the header
// and payload are coalesced into one buffer for a single write(2) call.
const sendTLVInlineThreshold = 1024

type state int32

const (
	stateUnconnected state = iota
	stateConnected
	stateTerminated
)

// Channel is a bidirectional TLV channel bound to one connected socket.
// The zero value is not usable; construct with Connect, NewFromFD, or
// Listener.Accept. A Channel is not safe for concurrent Send/Recv calls
// from multiple goroutines in the same direction, matching the reference
// implementation's single-threaded-per-direction usage.
type Channel struct {
	name  string
	fd    atomic.Int32
	state atomic.Int32
}

// NewFromFD wraps an already-connected socket fd. The Channel takes
// ownership: Terminate closes it.
func NewFromFD(fd int, name string) *Channel {
	c := &Channel{name: name}
	c.fd.Store(int32(fd))
	c.state.Store(int32(stateConnected))
	return c
}

// Connect dials an AF_UNIX socket named socketName. When abstract is true
// the name is bound in the abstract namespace (leading NUL byte, no
// filesystem entry); otherwise it is a pathname socket.
func Connect(socketName string, abstract bool) (*Channel, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("comms: socket: %w", err)
	}
	sa := &unix.SockaddrUnix{Name: socketName}
	if abstract {
		sa.Name = "\x00" + socketName
	}
	for {
		err := unix.Connect(fd, sa)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("comms: connect %q: %w", socketName, err)
		}
		break
	}
	return NewFromFD(fd, socketName), nil
}

// Listener binds and listens on an AF_UNIX socket, producing a Channel per
// accepted connection.
type Listener struct {
	fd   int
	name string
}

// Listen binds socketName (abstract or pathname) and starts listening.
func Listen(socketName string, abstract bool) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("comms: socket: %w", err)
	}
	sa := &unix.SockaddrUnix{Name: socketName}
	if abstract {
		sa.Name = "\x00" + socketName
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("comms: bind %q: %w", socketName, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("comms: listen %q: %w", socketName, err)
	}
	return &Listener{fd: fd, name: socketName}, nil
}

// Accept blocks for the next incoming connection and returns its Channel.
func (l *Listener) Accept() (*Channel, error) {
	for {
		fd, _, err := unix.Accept(l.fd)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("comms: accept on %q: %w", l.name, err)
		}
		return NewFromFD(fd, l.name), nil
	}
}

// Close stops listening.
func (l *Listener) Close() error { return unix.Close(l.fd) }

// IsConnected reports whether the channel is usable.
func (c *Channel) IsConnected() bool { return state(c.state.Load()) == stateConnected }

// IsTerminated reports whether Terminate has already run.
func (c *Channel) IsTerminated() bool { return state(c.state.Load()) == stateTerminated }

// GetConnectionFD returns the underlying socket fd. It remains valid until
// Terminate is called.
func (c *Channel) GetConnectionFD() int { return int(c.fd.Load()) }

// Terminate closes the socket and moves the channel to its terminal state.
// Safe to call more than once.
func (c *Channel) Terminate() {
	if !c.state.CompareAndSwap(int32(stateConnected), int32(stateTerminated)) {
		c.state.Store(int32(stateTerminated))
		return
	}
	fd := c.fd.Swap(-1)
	if fd >= 0 {
		unix.Close(int(fd))
	}
}

func (c *Channel) checkUsable() error {
	if !c.IsConnected() {
		return fmt.Errorf("comms %q: not connected", c.name)
	}
	return nil
}

// send writes all of buf, retrying on EINTR and on short writes.
func (c *Channel) send(buf []byte) error {
	fd := int(c.fd.Load())
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("comms: write: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("comms: write: connection closed")
		}
		buf = buf[n:]
	}
	return nil
}

// recv reads exactly len(buf) bytes, retrying on EINTR and short reads.
func (c *Channel) recv(buf []byte) error {
	fd := int(c.fd.Load())
	for len(buf) > 0 {
		n, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("comms: read: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("comms: read: connection closed")
		}
		buf = buf[n:]
	}
	return nil
}

// SendTLV writes a (tag, len(value), value) frame. Frames whose payload is at
// most sendTLVInlineThreshold bytes are sent with one write(2); larger
// frames use two.
func (c *Channel) SendTLV(tag uint32, value []byte) error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	header := make([]byte, 8)
	byteOrder.PutUint32(header[0:4], tag)
	byteOrder.PutUint32(header[4:8], uint32(len(value)))

	if len(value) <= sendTLVInlineThreshold {
		buf := append(header, value...)
		return c.send(buf)
	}
	if err := c.send(header); err != nil {
		return err
	}
	return c.send(value)
}

// RecvTLV reads the next frame. If wantTag is not AnyTag, the received tag
// must match or this returns an error without consuming the payload's
// logical meaning (the bytes are still drained to keep the stream framed).
func (c *Channel) RecvTLV(wantTag uint32) (uint32, []byte, error) {
	if err := c.checkUsable(); err != nil {
		return 0, nil, err
	}
	header := make([]byte, 8)
	if err := c.recv(header); err != nil {
		return 0, nil, err
	}
	tag := byteOrder.Uint32(header[0:4])
	length := byteOrder.Uint32(header[4:8])
	if length > MaxFrameSize {
		return 0, nil, fmt.Errorf("comms: frame length %d exceeds maximum %d", length, MaxFrameSize)
	}
	if length > warnFrameSize {
		logger.WithFields(logrus.Fields{"tag": tag, "length": length}).Warn("receiving unusually large frame")
	}
	value := make([]byte, length)
	if err := c.recv(value); err != nil {
		return 0, nil, err
	}
	if wantTag != AnyTag && tag != wantTag {
		return tag, value, fmt.Errorf("comms: expected tag %#x, got %#x", wantTag, tag)
	}
	return tag, value, nil
}

// Typed helpers. Each wraps SendTLV/RecvTLV with its built-in tag.

func (c *Channel) SendBool(v bool) error {
	b := byte(0)
	if v {
		b = 1
	}
	return c.SendTLV(TagBool, []byte{b})
}

func (c *Channel) RecvBool() (bool, error) {
	_, v, err := c.RecvTLV(TagBool)
	if err != nil {
		return false, err
	}
	if len(v) != 1 {
		return false, fmt.Errorf("comms: malformed bool frame (len=%d)", len(v))
	}
	return v[0] != 0, nil
}

func (c *Channel) SendUint8(v uint8) error { return c.SendTLV(TagUint8, []byte{v}) }
func (c *Channel) RecvUint8() (uint8, error) {
	_, v, err := c.RecvTLV(TagUint8)
	if err != nil {
		return 0, err
	}
	if len(v) != 1 {
		return 0, fmt.Errorf("comms: malformed uint8 frame (len=%d)", len(v))
	}
	return v[0], nil
}

func (c *Channel) SendInt8(v int8) error { return c.SendUint8(uint8(v)) }
func (c *Channel) RecvInt8() (int8, error) {
	v, err := c.RecvUint8()
	return int8(v), err
}

func (c *Channel) SendUint16(v uint16) error {
	b := make([]byte, 2)
	byteOrder.PutUint16(b, v)
	return c.SendTLV(TagUint16, b)
}

func (c *Channel) RecvUint16() (uint16, error) {
	_, v, err := c.RecvTLV(TagUint16)
	if err != nil {
		return 0, err
	}
	if len(v) != 2 {
		return 0, fmt.Errorf("comms: malformed uint16 frame (len=%d)", len(v))
	}
	return byteOrder.Uint16(v), nil
}

func (c *Channel) SendInt16(v int16) error { return c.SendUint16(uint16(v)) }
func (c *Channel) RecvInt16() (int16, error) {
	v, err := c.RecvUint16()
	return int16(v), err
}

func (c *Channel) SendUint32(v uint32) error {
	b := make([]byte, 4)
	byteOrder.PutUint32(b, v)
	return c.SendTLV(TagUint32, b)
}

func (c *Channel) RecvUint32() (uint32, error) {
	_, v, err := c.RecvTLV(TagUint32)
	if err != nil {
		return 0, err
	}
	if len(v) != 4 {
		return 0, fmt.Errorf("comms: malformed uint32 frame (len=%d)", len(v))
	}
	return byteOrder.Uint32(v), nil
}

func (c *Channel) SendInt32(v int32) error { return c.SendUint32(uint32(v)) }
func (c *Channel) RecvInt32() (int32, error) {
	v, err := c.RecvUint32()
	return int32(v), err
}

func (c *Channel) SendUint64(v uint64) error {
	b := make([]byte, 8)
	byteOrder.PutUint64(b, v)
	return c.SendTLV(TagUint64, b)
}

func (c *Channel) RecvUint64() (uint64, error) {
	_, v, err := c.RecvTLV(TagUint64)
	if err != nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("comms: malformed uint64 frame (len=%d)", len(v))
	}
	return byteOrder.Uint64(v), nil
}

func (c *Channel) SendInt64(v int64) error { return c.SendUint64(uint64(v)) }
func (c *Channel) RecvInt64() (int64, error) {
	v, err := c.RecvUint64()
	return int64(v), err
}

func (c *Channel) SendString(v string) error { return c.SendTLV(TagString, []byte(v)) }
func (c *Channel) RecvString() (string, error) {
	_, v, err := c.RecvTLV(TagString)
	return string(v), err
}

func (c *Channel) SendBytes(v []byte) error { return c.SendTLV(TagBytes, v) }
func (c *Channel) RecvBytes() ([]byte, error) {
	_, v, err := c.RecvTLV(TagBytes)
	return v, err
}

// Marshaler is the minimal interface SendMessage/RecvMessage round-trip
// through TagMessage; it is satisfied by encoding.BinaryMarshaler/
// BinaryUnmarshaler on purpose, so callers can plug in any encoding
// (gob, JSON-as-bytes, a hand-rolled format) without this package
// depending on a specific serialization stack.
type Marshaler interface {
	encoding.BinaryMarshaler
}

func (c *Channel) SendMessage(m Marshaler) error {
	b, err := m.MarshalBinary()
	if err != nil {
		return fmt.Errorf("comms: marshaling message: %w", err)
	}
	return c.SendTLV(TagMessage, b)
}

func (c *Channel) RecvMessage(m encoding.BinaryUnmarshaler) error {
	_, v, err := c.RecvTLV(TagMessage)
	if err != nil {
		return err
	}
	if err := m.UnmarshalBinary(v); err != nil {
		return fmt.Errorf("comms: unmarshaling message: %w", err)
	}
	return nil
}
