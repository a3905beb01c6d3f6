package handshake

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

func listenAndDial(t *testing.T) (*net.UnixConn, *Client) {
	t.Helper()

	dir := t.TempDir()
	ln, err := Listen(dir)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	connCh := make(chan *net.UnixConn, 1)
	errCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		connCh <- conn
	}()

	client, err := Dial(dir)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case conn := <-connCh:
		t.Cleanup(func() { conn.Close() })
		return conn, client
	case err := <-errCh:
		t.Fatalf("accept failed: %v", err)
		return nil, nil
	}
}

// testFd returns a descriptor whose identity can be verified after
// the transfer: the read end of a pipe with a known byte in flight.
func testFd(t *testing.T, payload byte) int {
	t.Helper()

	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	_, err := unix.Write(p[1], []byte{payload})
	require.NoError(t, err)
	unix.Close(p[1])
	t.Cleanup(func() { unix.Close(p[0]) })

	return p[0]
}

func readByte(t *testing.T, fd int) byte {
	t.Helper()

	var b [1]byte
	n, err := unix.Read(fd, b[:])
	require.NoError(t, err)
	require.Equal(t, 1, n)
	return b[0]
}

func TestSendRecvTask(t *testing.T) {
	conn, client := listenAndDial(t)

	fd := testFd(t, 0x7f)
	require.NoError(t, client.SendTask(100, fd))

	task, err := RecvTask(conn)
	require.NoError(t, err)
	defer unix.Close(task.Fd)

	assert.Equal(t, 100, task.Pid)
	assert.False(t, task.Zombie())

	// The received descriptor refers to the same pipe.
	assert.Equal(t, byte(0x7f), readByte(t, task.Fd))
}

func TestSendRecvZombie(t *testing.T) {
	conn, client := listenAndDial(t)

	require.NoError(t, client.SendZombie(42))

	task, err := RecvTask(conn)
	require.NoError(t, err)

	assert.Equal(t, -42, task.Pid)
	assert.Equal(t, -1, task.Fd)
	assert.True(t, task.Zombie())
}

func TestSendTaskRejectsNegativePid(t *testing.T) {
	_, client := listenAndDial(t)
	assert.Error(t, client.SendTask(-1, 0))
}

func TestRecvTaskShortRead(t *testing.T) {
	conn, client := listenAndDial(t)

	// Two bytes of a four-byte pid, then EOF.
	_, err := client.conn.Write([]byte{1, 2})
	require.NoError(t, err)
	require.NoError(t, client.Close())

	_, err = RecvTask(conn)
	assert.Error(t, err)
}

func TestRecvTaskMissingFd(t *testing.T) {
	conn, client := listenAndDial(t)

	// A non-negative pid frame with no ancillary descriptor behind it.
	var pid [4]byte
	_, err := client.conn.Write(pid[:])
	require.NoError(t, err)
	require.NoError(t, client.Close())

	_, err = RecvTask(conn)
	assert.Error(t, err)
}

// Frames from concurrent senders must never interleave: the server
// deserializes exactly one well-formed frame per task. Restorer
// processes share the one connected socket but each holds its own
// open lock-file description, which is what flock serializes on.
func TestConcurrentSendersAtomicity(t *testing.T) {
	const nrTasks = 16

	conn, first := listenAndDial(t)

	clients := make([]*Client, nrTasks)
	clients[0] = first
	for i := 1; i < nrTasks; i++ {
		lock, err := os.OpenFile(filepath.Join(filepath.Dir(first.lock.Name()), lockName), os.O_CREATE|os.O_RDWR, 0o600)
		require.NoError(t, err)
		t.Cleanup(func() { lock.Close() })
		clients[i] = &Client{conn: first.conn, lock: lock}
	}

	fds := make([]int, nrTasks)
	for i := range nrTasks {
		if i%4 != 3 {
			fds[i] = testFd(t, byte(i))
		}
	}

	var g errgroup.Group
	for i := range nrTasks {
		g.Go(func() error {
			if i%4 == 3 {
				return clients[i].SendZombie(100 + i)
			}
			return clients[i].SendTask(100+i, fds[i])
		})
	}

	pids := map[int]bool{}
	for range nrTasks {
		task, err := RecvTask(conn)
		require.NoError(t, err)
		require.False(t, pids[task.Pid], "pid %d received twice", task.Pid)
		pids[task.Pid] = true

		if task.Zombie() {
			assert.Equal(t, -1, task.Fd)
			continue
		}
		assert.Equal(t, byte(task.Pid-100), readByte(t, task.Fd))
		unix.Close(task.Fd)
	}

	require.NoError(t, g.Wait())
	assert.Len(t, pids, nrTasks)
}

func TestListenReplacesStaleSocket(t *testing.T) {
	dir := t.TempDir()

	stale := filepath.Join(dir, SockName)
	require.NoError(t, os.WriteFile(stale, nil, 0o600))

	ln, err := Listen(dir)
	require.NoError(t, err)
	ln.Close()

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}
