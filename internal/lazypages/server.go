// Package lazypages implements the out-of-process page server that
// services userfaultfd page faults of lazily restored tasks. It is
// strictly single-threaded: one epoll loop dispatches fault messages
// and page-server replies, and after five seconds of quiescence it
// proactively delivers whatever is still pending.
package lazypages

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/checkpoint-restore/go-lazy-pages/internal/handshake"
	"github.com/checkpoint-restore/go-lazy-pages/internal/image"
	"github.com/checkpoint-restore/go-lazy-pages/internal/pageread"
	"github.com/checkpoint-restore/go-lazy-pages/internal/uffd"
)

// defaultPollTimeout is the quiescence threshold: one epoll timeout
// with no fault traffic switches the server to the drain phase.
const defaultPollTimeout = 5 * time.Second

type Config struct {
	// Dir is the working directory holding the handoff socket.
	Dir string
	// ImageDir holds the checkpoint images.
	ImageDir string
	// NrTasks is the number of handoff frames to expect, zombies
	// included.
	NrTasks int

	// UsePageServer selects the remote page reader; page content is
	// then fetched from PageServerAddr instead of the local pages
	// images.
	UsePageServer  bool
	PageServerNet  string
	PageServerAddr string

	// PollTimeout overrides the quiescence threshold; zero means the
	// default of five seconds.
	PollTimeout time.Duration
}

// handler services one readable descriptor; done asks for its removal
// from the poller.
type handler func() (done bool, err error)

type Server struct {
	cfg      Config
	log      *zap.Logger
	pageSize uint64

	tasks    []*Task
	poll     *poller
	handlers map[int32]handler
	remote   *pageread.Client
}

func New(cfg Config, log *zap.Logger) *Server {
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	return &Server{
		cfg:      cfg,
		log:      log,
		pageSize: uint64(os.Getpagesize()),
		handlers: make(map[int32]handler),
	}
}

// Run serves until every task's lazy pages are delivered. It returns
// the number of tasks whose copied page count differs from their lazy
// total after drain; any error is fatal for the whole server.
func (s *Server) Run(ctx context.Context) (int, error) {
	if err := uffd.Available(); err != nil {
		return 0, err
	}

	ln, err := handshake.Listen(s.cfg.Dir)
	if err != nil {
		return 0, err
	}
	defer ln.Close()

	poll, err := newPoller()
	if err != nil {
		return 0, err
	}
	s.poll = poll
	defer poll.close()
	defer s.closeTasks()

	if s.cfg.UsePageServer {
		remote, err := pageread.DialPageServer(s.cfg.PageServerNet, s.cfg.PageServerAddr, s.log)
		if err != nil {
			return 0, err
		}
		s.remote = remote
		defer remote.Close()
	}

	if err := s.acceptTasks(ln); err != nil {
		return 0, err
	}

	if s.remote != nil {
		if err := poll.add(s.remote.Fd()); err != nil {
			return 0, err
		}
		s.handlers[int32(s.remote.Fd())] = func() (bool, error) {
			return false, s.remote.Receive()
		}
	}

	if err := s.serveFaults(ctx); err != nil {
		return 0, err
	}

	s.log.Debug("switching from request to copy mode")
	for _, t := range s.tasks {
		if err := t.drain(); err != nil {
			return 0, err
		}
	}

	lossy := 0
	for _, t := range s.tasks {
		lossy += t.summary()
	}

	return lossy, nil
}

// acceptTasks receives every task's handoff frame on the single
// restorer connection and builds the task states.
func (s *Server) acceptTasks(ln *handshake.Listener) error {
	s.log.Debug("waiting for the restorer connection",
		zap.String("dir", s.cfg.Dir), zap.Int("tasks", s.cfg.NrTasks))

	conn, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("accepting restorer connection: %w", err)
	}
	defer conn.Close()

	for i := 0; i < s.cfg.NrTasks; i++ {
		ht, err := handshake.RecvTask(conn)
		if err != nil {
			return err
		}
		if ht.Zombie() {
			s.log.Debug("zombie task", zap.Int("pid", -ht.Pid))
			continue
		}
		s.log.Debug("received task", zap.Int("pid", ht.Pid), zap.Int("uffd", ht.Fd))

		task, err := s.openTask(ht)
		if err != nil {
			unix.Close(ht.Fd)
			return err
		}
		s.tasks = append(s.tasks, task)

		if err := s.poll.add(task.fd.Raw()); err != nil {
			return err
		}
		s.handlers[int32(task.fd.Raw())] = task.handleUserFault
	}

	return nil
}

func (s *Server) openTask(ht handshake.Task) (*Task, error) {
	vmas, err := image.LoadVmas(s.cfg.ImageDir, ht.Pid)
	if err != nil {
		return nil, err
	}
	s.log.Debug("found VMAs in image", zap.Int("pid", ht.Pid), zap.Int("vmas", len(vmas)))

	var pr pageread.Reader
	if s.remote != nil {
		pr, err = s.remote.NewReader(s.cfg.ImageDir, ht.Pid, s.pageSize)
	} else {
		pr, err = pageread.OpenLocal(s.cfg.ImageDir, ht.Pid, s.pageSize)
	}
	if err != nil {
		return nil, err
	}

	task, err := newTask(ht.Pid, uffd.FromFd(ht.Fd), pr, vmas, s.pageSize, s.log)
	if err != nil {
		pr.Close()
		return nil, err
	}

	return task, nil
}

// serveFaults dispatches readable descriptors until a full poll
// timeout passes with no traffic or no descriptor is left to serve.
func (s *Server) serveFaults(ctx context.Context) error {
	events := make([]unix.EpollEvent, len(s.handlers)+1)
	timeoutMs := int(s.cfg.PollTimeout.Milliseconds())

	for len(s.handlers) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := s.poll.wait(events, timeoutMs)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}

		for i := 0; i < n; i++ {
			fd := events[i].Fd
			h, ok := s.handlers[fd]
			if !ok {
				continue
			}
			done, err := h()
			if err != nil {
				return err
			}
			if done {
				if err := s.poll.del(int(fd)); err != nil {
					return err
				}
				delete(s.handlers, fd)
			}
		}
	}

	return nil
}

func (s *Server) closeTasks() {
	for _, t := range s.tasks {
		t.close()
	}
}
