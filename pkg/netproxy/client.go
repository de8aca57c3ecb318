package netproxy

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"sandbox2/pkg/comms"
)

// Dial is the sandboxee-side half of the protocol Server implements: it
// serializes a sockaddr_in/sockaddr_in6 for target, sends it down ch, and
// returns the connected file descriptor the server proxied back (or the
// server's reported errno). It mirrors NetworkProxyClient::ConnectInternal.
//
// Installing this transparently in place of every connect() syscall a
// sandboxee issues requires intercepting that process's own syscalls from
// within itself (a self-ptrace syscall trap); this package only brokers the
// request once it reaches the supervisor, which is the half the ptrace and
// user-notification monitors already own (pkg/monitor). Dial is the
// building block a sandboxee-side shim would call into.
func Dial(ch *comms.Channel, addr *net.TCPAddr) (int, error) {
	raw, err := marshalSockaddr(addr)
	if err != nil {
		return -1, err
	}
	if err := ch.SendBytes(raw); err != nil {
		return -1, fmt.Errorf("netproxy: sending connect request: %w", err)
	}

	result, err := ch.RecvInt32()
	if err != nil {
		return -1, fmt.Errorf("netproxy: receiving proxy result: %w", err)
	}
	if result != 0 {
		return -1, unix.Errno(result)
	}

	fd, err := ch.RecvFD()
	if err != nil {
		return -1, fmt.Errorf("netproxy: receiving proxied fd: %w", err)
	}
	return fd, nil
}

func marshalSockaddr(addr *net.TCPAddr) ([]byte, error) {
	ip4 := addr.IP.To4()
	if ip4 != nil {
		sa := make([]byte, sizeofSockaddrIn)
		binary.NativeEndian.PutUint16(sa[0:2], afINET)
		binary.BigEndian.PutUint16(sa[2:4], uint16(addr.Port))
		copy(sa[4:8], ip4)
		return sa, nil
	}

	ip6 := addr.IP.To16()
	if ip6 == nil {
		return nil, fmt.Errorf("netproxy: unrecognized address %v", addr)
	}
	sa := make([]byte, sizeofSockaddrIn6)
	binary.NativeEndian.PutUint16(sa[0:2], afINET6)
	binary.BigEndian.PutUint16(sa[2:4], uint16(addr.Port))
	copy(sa[8:24], ip6)
	return sa, nil
}
