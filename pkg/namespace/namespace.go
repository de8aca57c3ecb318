// Package namespace builds the sandboxee's isolated view of the system:
// which Linux namespaces it joins, and the mount tree it sees once
// pivot_root has run. The mount and pivot_root sequence follows the
// teacher's runsc/cmd setUpChroot/pivotRoot pattern; namespace selection
// follows test/runner's SysProcAttr clone-flag construction.
package namespace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"sandbox2/pkg/seccomp"
)

var logger = logrus.WithField("component", "namespace")

// CloneFlags translates a seccomp.NamespaceFlags selection into the
// CLONE_NEW* bits NamespaceSetup's caller passes as SysProcAttr.Cloneflags
// (or unix.Unshare, when joining namespaces after fork instead of at
// clone() time).
func CloneFlags(f seccomp.NamespaceFlags) uintptr {
	var flags uintptr
	if f.User {
		flags |= syscall.CLONE_NEWUSER
	}
	if f.PID {
		flags |= syscall.CLONE_NEWPID
	}
	if f.Net {
		flags |= syscall.CLONE_NEWNET
	}
	if f.Mount {
		flags |= syscall.CLONE_NEWNS
	}
	if f.IPC {
		flags |= syscall.CLONE_NEWIPC
	}
	if f.UTS {
		flags |= syscall.CLONE_NEWUTS
	}
	return flags
}

// IDMap is a single uid_map/gid_map line: count contiguous ids starting at
// containerID map to hostID and up.
type IDMap struct {
	ContainerID int
	HostID      int
	Size        int
}

// SysProcAttrFor builds the syscall.SysProcAttr a fork-server collaborator
// should set on the sandboxee's exec.Cmd. The child always gets new mount,
// UTS and IPC namespaces (flags.Mount, flags.UTS and flags.IPC are not
// consulted); user, PID and network namespaces are added only when the
// matching flag is set, with uid/gid single-id-mapped in the new user
// namespace (mirroring test/runner.go's UidMappings/GidMappings use, generalized
// from a fixed test uid/gid to the caller-supplied identity).
func SysProcAttrFor(flags seccomp.NamespaceFlags, uid, gid int) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWNS | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC,
	}
	if flags.User {
		attr.Cloneflags |= syscall.CLONE_NEWUSER
		attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: uid, HostID: uid, Size: 1}}
		attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: gid, HostID: gid, Size: 1}}
		attr.GidMappingsEnableSetgroups = false
	}
	if flags.PID {
		attr.Cloneflags |= syscall.CLONE_NEWPID
	}
	if flags.Net {
		attr.Cloneflags |= syscall.CLONE_NEWNET
	}
	return attr
}

// Setup constructs the mount tree and performs pivot_root inside the
// sandboxee, after it has already entered its new mount namespace. root is
// a scratch directory (normally a freshly created tmpfs) that becomes "/"
// once pivot_root completes.
type Setup struct {
	Root     string
	Hostname string
	Mounts   []seccomp.MountDescriptor
}

// NewSetup returns a Setup that will build root out of policy's mount
// descriptors.
func NewSetup(root, hostname string, policy *seccomp.Policy) *Setup {
	return &Setup{Root: root, Hostname: hostname, Mounts: policy.Mounts}
}

// Apply runs inside the sandboxee, after it has unshared its mount
// namespace but before execve. It must run on the namespace's owning OS
// thread (callers typically wrap this in runtime.LockOSThread).
func (s *Setup) Apply() error {
	if err := s.makeMountNamespacePrivate(); err != nil {
		return err
	}
	if err := s.mountRoot(); err != nil {
		return err
	}
	if err := s.applyMountDescriptors(); err != nil {
		return err
	}
	if s.Hostname != "" {
		if err := unix.Sethostname([]byte(s.Hostname)); err != nil {
			return fmt.Errorf("namespace: sethostname %q: %w", s.Hostname, err)
		}
	}
	return s.pivotRoot()
}

// makeMountNamespacePrivate converts every mount to MS_PRIVATE so nothing
// this sandboxee does (or that happens to it) propagates to the host mount
// table, the same precaution runsc's setUpChroot takes with MS_SLAVE before
// building its chroot.
func (s *Setup) makeMountNamespacePrivate() error {
	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("namespace: making mount namespace private: %w", err)
	}
	return nil
}

func (s *Setup) mountRoot() error {
	if err := unix.Mount("sandbox2-root", s.Root, "tmpfs",
		unix.MS_NOSUID|unix.MS_NODEV, ""); err != nil {
		return fmt.Errorf("namespace: mounting root tmpfs at %q: %w", s.Root, err)
	}
	return nil
}

// applyMountDescriptors walks the policy's mount descriptors in
// lexicographic destination order (so e.g. /lib is mounted before
// /lib/x86_64-linux-gnu) and lays each one down under s.Root.
func (s *Setup) applyMountDescriptors() error {
	sorted := append([]seccomp.MountDescriptor(nil), s.Mounts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Dest < sorted[j].Dest })

	for _, m := range sorted {
		dst := filepath.Join(s.Root, m.Dest)
		if err := os.MkdirAll(dst, 0755); err != nil {
			return fmt.Errorf("namespace: creating mount point %q: %w", dst, err)
		}
		switch m.Kind {
		case seccomp.MountBind:
			if err := bindMount(m.Source, dst, m.Writable); err != nil {
				return err
			}
		case seccomp.MountTmpfs:
			if err := unix.Mount("sandbox2-tmpfs", dst, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, ""); err != nil {
				return fmt.Errorf("namespace: mounting tmpfs at %q: %w", dst, err)
			}
		default:
			return fmt.Errorf("namespace: unknown mount kind %v for %q", m.Kind, m.Dest)
		}
	}
	return nil
}

func bindMount(src, dst string, writable bool) error {
	if err := unix.Mount(src, dst, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("namespace: bind-mounting %q at %q: %w", src, dst, err)
	}
	if writable {
		return nil
	}
	flags := unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY | unix.MS_REC
	if err := unix.Mount("", dst, "", uintptr(flags), ""); err != nil {
		return fmt.Errorf("namespace: remounting %q read-only: %w", dst, err)
	}
	return nil
}

// pivotRoot moves s.Root to be the process's new "/", following the same
// chdir + pivot_root(".", ".") + detach-unmount sequence as the teacher's
// runsc/cmd pivotRoot.
func (s *Setup) pivotRoot() error {
	if err := os.Chdir(s.Root); err != nil {
		return fmt.Errorf("namespace: chdir %q: %w", s.Root, err)
	}
	if err := unix.PivotRoot(".", "."); err != nil {
		return fmt.Errorf("namespace: pivot_root: %w", err)
	}
	if err := unix.Unmount(".", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("namespace: detaching old root: %w", err)
	}
	logger.WithField("root", s.Root).Debug("pivot_root complete")
	return nil
}
