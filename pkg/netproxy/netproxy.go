// Package netproxy implements the supervisor side of an out-of-sandbox
// network proxy: a sandboxee whose policy denies socket()/connect() directly
// instead forwards connection requests over its comms channel, and this
// package validates each request against a seccomp.NetworkPolicy allowlist,
// performs the connect() itself, and hands back the connected file
// descriptor (or a saved errno) the same way the teacher's network proxy
// client/server pair does over its own Comms channel.
package netproxy

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"sandbox2/pkg/comms"
	"sandbox2/pkg/seccomp"
)

var logger = logrus.WithField("component", "netproxy")

// sizeofSockaddrIn and sizeofSockaddrIn6 are the exact wire sizes the
// sandboxee's libc connect() wrapper serializes; any other size is
// malformed and rejected with EINVAL before it is ever parsed.
const (
	sizeofSockaddrIn  = 16
	sizeofSockaddrIn6 = 28
)

const (
	afINET  = 2
	afINET6 = 10
)

// Server validates and brokers connect() requests on behalf of a single
// sandboxee. Run it on its own goroutine; it returns once the comms channel
// closes or a disallowed target is requested.
type Server struct {
	comms   *comms.Channel
	policy  seccomp.NetworkPolicy
	onBlock func(target string)

	violationOccurred atomic.Bool
	violationMsg      atomic.Value // string
}

// New wires a Server around an already-connected comms channel. onBlock, if
// non-nil, is invoked once with a human-readable description of the first
// disallowed target, mirroring the notify_violation_fn_ callback the
// teacher's server threads through to its monitor.
func New(ch *comms.Channel, policy seccomp.NetworkPolicy, onBlock func(target string)) *Server {
	return &Server{comms: ch, policy: policy, onBlock: onBlock}
}

// ViolationOccurred reports whether a disallowed connect() target has ever
// been observed; Run stops looping once this becomes true.
func (s *Server) ViolationOccurred() bool { return s.violationOccurred.Load() }

// ViolationMessage is the description passed to onBlock, valid once
// ViolationOccurred is true.
func (s *Server) ViolationMessage() string {
	v, _ := s.violationMsg.Load().(string)
	return v
}

// Run repeatedly processes one connect() request per iteration until the
// channel errors, terminates, or a policy violation is observed.
func (s *Server) Run() {
	for !s.violationOccurred.Load() {
		if !s.processOne() {
			logger.Debug("netproxy: comms channel closed, stopping")
			return
		}
	}
}

// processOne handles a single connect() request. It returns false only on a
// fatal channel error (the caller should stop looping). A malformed request
// returns true after replying to the sandboxee; a disallowed target returns
// true after recording the violation, with no reply sent.
func (s *Server) processOne() bool {
	raw, err := s.comms.RecvBytes()
	if err != nil {
		return false
	}

	family, addr, ok := parseSockaddr(raw)
	if !ok {
		return s.sendErrno(unix.EINVAL)
	}

	if !s.policy.Allowed(addr) {
		s.notifyViolation(fmt.Sprintf("%s:%d (disallowed by network policy)", addr, portOf(raw)))
		return true
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return s.sendErrno(err.(unix.Errno))
	}

	sa, err := sockaddrFromBytes(family, raw)
	if err != nil {
		unix.Close(fd)
		return s.sendErrno(unix.EINVAL)
	}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return s.sendErrno(err.(unix.Errno))
	}

	if !s.notifySuccess() {
		unix.Close(fd)
		return false
	}
	if err := s.comms.SendFD(fd); err != nil {
		unix.Close(fd)
		return false
	}
	unix.Close(fd)
	return true
}

func (s *Server) sendErrno(e unix.Errno) bool {
	return s.comms.SendInt32(int32(e)) == nil
}

func (s *Server) notifySuccess() bool {
	return s.comms.SendInt32(0) == nil
}

func (s *Server) notifyViolation(msg string) {
	s.violationMsg.Store(msg)
	s.violationOccurred.Store(true)
	if s.onBlock != nil {
		s.onBlock(msg)
	}
}

// parseSockaddr validates raw against the two shapes a connect() syscall may
// legitimately serialize (sockaddr_in / sockaddr_in6 of their exact size and
// matching sa_family), extracting the target IP. Anything else is
// malformed.
func parseSockaddr(raw []byte) (family int, addr net.IP, ok bool) {
	if len(raw) < 2 {
		return 0, nil, false
	}
	saFamily := binary.NativeEndian.Uint16(raw[0:2])

	switch {
	case len(raw) == sizeofSockaddrIn && saFamily == afINET:
		return unix.AF_INET, net.IP(raw[4:8]), true
	case len(raw) == sizeofSockaddrIn6 && saFamily == afINET6:
		return unix.AF_INET6, net.IP(raw[8:24]), true
	default:
		return 0, nil, false
	}
}

func portOf(raw []byte) uint16 {
	if len(raw) < 4 {
		return 0
	}
	return binary.BigEndian.Uint16(raw[2:4])
}

func sockaddrFromBytes(family int, raw []byte) (unix.Sockaddr, error) {
	switch family {
	case unix.AF_INET:
		var sa unix.SockaddrInet4
		sa.Port = int(binary.BigEndian.Uint16(raw[2:4]))
		copy(sa.Addr[:], raw[4:8])
		return &sa, nil
	case unix.AF_INET6:
		var sa unix.SockaddrInet6
		sa.Port = int(binary.BigEndian.Uint16(raw[2:4]))
		copy(sa.Addr[:], raw[8:24])
		return &sa, nil
	default:
		return nil, fmt.Errorf("netproxy: unsupported address family %d", family)
	}
}
