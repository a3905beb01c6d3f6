// Package restorer holds the per-task side of lazy restore: probing
// userfaultfd availability, opening and negotiating the descriptor,
// and handing it to the lazy-pages server. Registering the lazy
// address ranges on the descriptor happens later, in the restorer
// blob, right before jumping into the restored task.
package restorer

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/checkpoint-restore/go-lazy-pages/internal/handshake"
	"github.com/checkpoint-restore/go-lazy-pages/internal/uffd"
)

// Check verifies at runtime that this system can lazy-restore.
func Check(log *zap.Logger) error {
	if err := uffd.Available(); err != nil {
		if errors.Is(err, uffd.ErrNotSupported) {
			log.Error("runtime detection of userfaultfd failed on this system")
			log.Error("processes cannot be lazy-restored on this system")
		}
		return err
	}
	return nil
}

// Setup opens a userfaultfd for the task and ships it to the
// lazy-pages server. The returned descriptor is the caller's: the
// restorer blob registers the lazy ranges on it and the restored task
// inherits it.
func Setup(c *handshake.Client, pid int, log *zap.Logger) (*uffd.FD, error) {
	if err := Check(log); err != nil {
		return nil, err
	}

	fd, err := uffd.Open()
	if err != nil {
		return nil, fmt.Errorf("setting up uffd for task %d: %w", pid, err)
	}

	log.Debug("sending uffd", zap.Int("pid", pid), zap.Int("fd", fd.Raw()))
	if err := c.SendTask(pid, fd.Raw()); err != nil {
		fd.Close()
		return nil, err
	}

	return fd, nil
}

// SetupZombie announces a task that has nothing to restore lazily;
// the server creates no state for it.
func SetupZombie(c *handshake.Client, pid int, log *zap.Logger) error {
	log.Debug("sending zombie", zap.Int("pid", pid))
	return c.SendZombie(pid)
}
