package lazypages

import (
	"bytes"
	"os"
	"syscall"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/checkpoint-restore/go-lazy-pages/internal/handshake"
	"github.com/checkpoint-restore/go-lazy-pages/internal/image"
	"github.com/checkpoint-restore/go-lazy-pages/internal/pageread"
	"github.com/checkpoint-restore/go-lazy-pages/internal/uffd"
)

// openUffdForTest skips on systems where unprivileged userfaultfd is
// unavailable.
func openUffdForTest(t *testing.T) *uffd.FD {
	t.Helper()

	fd, err := uffd.Open()
	if err != nil {
		t.Skipf("userfaultfd unavailable: %v", err)
	}
	t.Cleanup(func() { fd.Close() })

	return fd
}

func mmapForTest(t *testing.T, length int) ([]byte, uint64) {
	t.Helper()

	b, err := syscall.Mmap(
		-1,
		0,
		length,
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_PRIVATE|syscall.MAP_ANONYMOUS,
	)
	require.NoError(t, err)
	t.Cleanup(func() { syscall.Munmap(b) })

	return b, uint64(uintptr(unsafe.Pointer(&b[0])))
}

func pageOf(t *testing.T, b byte) []byte {
	t.Helper()
	return bytes.Repeat([]byte{b}, os.Getpagesize())
}

// writeTaskImage lays out a four-page task at base:
//
//	page 0, 1  lazy content 0xa0, 0xa1
//	page 2     lazy zero
//	page 3     lazy content 0xb3
//
// all inside a single VMA [base, base+4 pages).
func writeTaskImage(t *testing.T, dir string, pid int, base uint64) {
	t.Helper()

	pageSize := uint64(os.Getpagesize())

	w := image.NewWriter(dir, pid, pageSize)
	w.AddVma(base, base+4*pageSize, 0, 0)
	require.NoError(t, w.AddPages(base, append(pageOf(t, 0xa0), pageOf(t, 0xa1)...), true))
	w.AddZero(base+2*pageSize, 1, true)
	require.NoError(t, w.AddPages(base+3*pageSize, pageOf(t, 0xb3), true))
	require.NoError(t, w.Commit())
}

// taskForTest builds a Task over a registered four-page mapping with
// the standard image, bypassing the handshake.
func taskForTest(t *testing.T, pid int) (*Task, []byte, uint64) {
	t.Helper()

	pageSize := uint64(os.Getpagesize())
	fd := openUffdForTest(t)
	mem, base := mmapForTest(t, 4*int(pageSize))
	require.NoError(t, fd.Register(base, 4*pageSize))

	dir := t.TempDir()
	writeTaskImage(t, dir, pid, base)

	return newTaskForImage(t, pid, dir, fd), mem, base
}

// newTaskForImage builds a Task from an already written image and an
// armed descriptor.
func newTaskForImage(t *testing.T, pid int, dir string, fd *uffd.FD) *Task {
	t.Helper()

	pageSize := uint64(os.Getpagesize())

	vmas, err := image.LoadVmas(dir, pid)
	require.NoError(t, err)
	pr, err := pageread.OpenLocal(dir, pid, pageSize)
	require.NoError(t, err)

	task, err := newTask(pid, fd, pr, vmas, pageSize, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		if task.buf != nil {
			task.buf.Unmap()
		}
		pr.Close()
	})

	return task
}

// dialRetry connects to the server's handoff socket, waiting for the
// server goroutine to bind it.
func dialRetry(t *testing.T, dir string) *handshake.Client {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		client, err := handshake.Dial(dir)
		if err == nil {
			t.Cleanup(func() { client.Close() })
			return client
		}
		if time.Now().After(deadline) {
			t.Fatalf("dialing lazy-pages socket: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type runResult struct {
	lossy int
	err   error
}

// startServer runs the server in the background with a short
// quiescence threshold.
func startServer(t *testing.T, cfg Config) <-chan runResult {
	t.Helper()

	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 500 * time.Millisecond
	}
	server := New(cfg, zaptest.NewLogger(t))

	resultCh := make(chan runResult, 1)
	go func() {
		lossy, err := server.Run(t.Context())
		resultCh <- runResult{lossy: lossy, err: err}
	}()

	return resultCh
}

func waitResult(t *testing.T, resultCh <-chan runResult) runResult {
	t.Helper()

	select {
	case result := <-resultCh:
		return result
	case <-time.After(30 * time.Second):
		t.Fatal("lazy-pages server did not finish")
		return runResult{}
	}
}
