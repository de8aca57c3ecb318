package comms

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// byteOrder is the wire byte order for this package's integer fields.
// Comms is documented (and only usable) as a local, same-host channel, so
// this deliberately tracks host native order rather than imposing a
// network byte order conversion nothing on the wire needs.
var byteOrder = binary.NativeEndian

// SendFD sends fd as ancillary data (SCM_RIGHTS), preceded by a one-byte
// inline payload so the kernel always delivers the control message even
// if the peer is only peeking at the regular data stream.
func (c *Channel) SendFD(fd int) error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	rights := unix.UnixRights(fd)
	header := make([]byte, 8)
	byteOrder.PutUint32(header[0:4], TagFD)
	byteOrder.PutUint32(header[4:8], 1)
	payload := append(header, 0)

	sockFD := int(c.fd.Load())
	for {
		err := unix.Sendmsg(sockFD, payload, rights, nil, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("comms: sendmsg(SCM_RIGHTS): %w", err)
		}
		return nil
	}
}

// RecvFD receives a file descriptor sent with SendFD. The caller owns the
// returned fd and is responsible for closing it.
func (c *Channel) RecvFD() (int, error) {
	if err := c.checkUsable(); err != nil {
		return -1, err
	}
	sockFD := int(c.fd.Load())
	buf := make([]byte, 9)
	oob := make([]byte, unix.CmsgSpace(4))

	var n, oobn int
	for {
		var err error
		n, oobn, _, _, err = unix.Recvmsg(sockFD, buf, oob, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, fmt.Errorf("comms: recvmsg: %w", err)
		}
		break
	}
	if n == 0 {
		return -1, fmt.Errorf("comms: recvmsg: connection closed")
	}
	tag := byteOrder.Uint32(buf[0:4])
	if tag != TagFD {
		return -1, fmt.Errorf("comms: expected an FD frame, got tag %#x", tag)
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, fmt.Errorf("comms: parsing control message: %w", err)
	}
	for _, cmsg := range cmsgs {
		fds, err := unix.ParseUnixRights(&cmsg)
		if err != nil {
			continue
		}
		if len(fds) != 1 {
			for _, fd := range fds {
				unix.Close(fd)
			}
			return -1, fmt.Errorf("comms: expected exactly one FD, got %d", len(fds))
		}
		return fds[0], nil
	}
	return -1, fmt.Errorf("comms: no SCM_RIGHTS control message received")
}

// EnablePeerCredentials sets SO_PASSCRED on the socket so subsequent
// RecvCreds calls can receive SCM_CREDENTIALS ancillary data.
func (c *Channel) EnablePeerCredentials() error {
	return unix.SetsockoptInt(int(c.fd.Load()), unix.SOL_SOCKET, unix.SO_PASSCRED, 1)
}

// Creds is the peer identity delivered by SCM_CREDENTIALS.
type Creds struct {
	PID int32
	UID uint32
	GID uint32
}

// RecvCreds receives the peer's credentials. The socket must have had
// EnablePeerCredentials called on it (or SO_PASSCRED set some other way)
// before the peer's corresponding send.
func (c *Channel) RecvCreds() (Creds, error) {
	if err := c.checkUsable(); err != nil {
		return Creds{}, err
	}
	sockFD := int(c.fd.Load())
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(sizeofUcred))

	var oobn int
	for {
		var err error
		_, oobn, _, _, err = unix.Recvmsg(sockFD, buf, oob, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return Creds{}, fmt.Errorf("comms: recvmsg(SCM_CREDENTIALS): %w", err)
		}
		break
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return Creds{}, fmt.Errorf("comms: parsing control message: %w", err)
	}
	for _, cmsg := range cmsgs {
		ucred, err := unix.ParseUnixCredentials(&cmsg)
		if err != nil {
			continue
		}
		return Creds{PID: ucred.Pid, UID: ucred.Uid, GID: ucred.Gid}, nil
	}
	return Creds{}, fmt.Errorf("comms: no SCM_CREDENTIALS control message received")
}

// sizeofUcred is sizeof(struct ucred): pid_t, uid_t, gid_t, each 32-bit.
const sizeofUcred = 12
