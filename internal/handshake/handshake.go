// Package handshake implements the rendezvous between restorers and
// the lazy-pages server: a unix stream socket carrying, per task, the
// task identifier followed by the userfaultfd descriptor as ancillary
// data. A negative identifier marks a zombie task and carries no
// descriptor.
package handshake

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// SockName is the fixed socket name, resolved in the working
// directory shared by both endpoints.
const SockName = "lazy-pages.socket"

const (
	lockName      = SockName + ".lock"
	listenBacklog = 10
)

// Task is one received handoff frame. A zombie has a negative Pid
// and Fd -1.
type Task struct {
	Pid int
	Fd  int
}

func (t Task) Zombie() bool {
	return t.Pid < 0
}

// Listener accepts the single restorer connection.
type Listener struct {
	ln   *net.UnixListener
	path string
}

// Listen unlinks any stale socket in dir and starts listening.
func Listen(dir string) (*Listener, error) {
	path := filepath.Join(dir, SockName)
	_ = unix.Unlink(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("binding %s: %w", path, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}

	f := os.NewFile(uintptr(fd), path)
	defer f.Close()
	lnI, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("adopting listener for %s: %w", path, err)
	}

	return &Listener{ln: lnI.(*net.UnixListener), path: path}, nil
}

func (l *Listener) Accept() (*net.UnixConn, error) {
	return l.ln.AcceptUnix()
}

func (l *Listener) Close() error {
	err := l.ln.Close()
	_ = unix.Unlink(l.path)
	return err
}

// RecvTask reads one handoff frame: the pid as a native-endian int32,
// then, unless the pid is negative, exactly one descriptor conveyed
// as SCM_RIGHTS.
func RecvTask(conn *net.UnixConn) (Task, error) {
	var pidBuf [4]byte
	if _, err := io.ReadFull(conn, pidBuf[:]); err != nil {
		return Task{}, fmt.Errorf("receiving task pid: %w", err)
	}
	pid := int(int32(binary.NativeEndian.Uint32(pidBuf[:])))

	if pid < 0 {
		return Task{Pid: pid, Fd: -1}, nil
	}

	// One dummy in-band byte anchors the ancillary message; a stream
	// socket does not deliver SCM_RIGHTS on an empty payload.
	var dummy [1]byte
	oob := make([]byte, unix.CmsgSpace(4))
	_, oobn, _, _, err := conn.ReadMsgUnix(dummy[:], oob)
	if err != nil {
		return Task{}, fmt.Errorf("receiving uffd for pid %d: %w", pid, err)
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return Task{}, fmt.Errorf("parsing uffd control message for pid %d: %w", pid, err)
	}
	if len(cmsgs) != 1 {
		return Task{}, fmt.Errorf("expected one control message for pid %d, got %d", pid, len(cmsgs))
	}
	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil {
		return Task{}, fmt.Errorf("parsing uffd rights for pid %d: %w", pid, err)
	}
	if len(fds) != 1 {
		return Task{}, fmt.Errorf("expected one uffd for pid %d, got %d descriptors", pid, len(fds))
	}

	unix.CloseOnExec(fds[0])

	return Task{Pid: pid, Fd: fds[0]}, nil
}

// Client is the restorer side of the handoff socket. The socket is
// shared by every restorer process; a lock file next to it serializes
// the two-step frames.
type Client struct {
	conn *net.UnixConn
	lock *os.File
}

// Dial connects to the server socket in dir.
func Dial(dir string) (*Client, error) {
	path := filepath.Join(dir, SockName)
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", path, err)
	}

	lock, err := os.OpenFile(filepath.Join(dir, lockName), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening handoff lock: %w", err)
	}

	return &Client{conn: conn, lock: lock}, nil
}

// SendTask ships one {pid, fd} frame. The lock is held across both
// steps so frames of concurrent restorers never interleave.
func (c *Client) SendTask(pid, fd int) error {
	if pid < 0 {
		return fmt.Errorf("pid %d is not a restorable task", pid)
	}
	return c.sendFrame(pid, fd)
}

// SendZombie announces a task with no mappings to restore lazily. The
// server records no state for it.
func (c *Client) SendZombie(pid int) error {
	return c.sendFrame(-pid, -1)
}

func (c *Client) sendFrame(pid, fd int) error {
	if err := unix.Flock(int(c.lock.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("locking handoff socket: %w", err)
	}
	defer unix.Flock(int(c.lock.Fd()), unix.LOCK_UN)

	var pidBuf [4]byte
	binary.NativeEndian.PutUint32(pidBuf[:], uint32(int32(pid)))
	if _, err := c.conn.Write(pidBuf[:]); err != nil {
		return fmt.Errorf("sending pid %d: %w", pid, err)
	}

	if pid < 0 {
		return nil
	}

	oob := unix.UnixRights(fd)
	if _, _, err := c.conn.WriteMsgUnix([]byte{0}, oob, nil); err != nil {
		return fmt.Errorf("sending uffd for pid %d: %w", pid, err)
	}

	return nil
}

func (c *Client) Close() error {
	c.lock.Close()
	return c.conn.Close()
}
