package pageread

import (
	"encoding/binary"
	"io"
	"net"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/checkpoint-restore/go-lazy-pages/internal/image"
)

// The page-server wire protocol: a request frame per read, responses
// in request order carrying the raw page content.
type requestHeader struct {
	Pid     uint32
	Vaddr   uint64
	NrPages uint32
	Flags   uint32
}

type responseHeader struct {
	Pid     uint32
	Vaddr   uint64
	NrPages uint32
}

// Client is one connection to a remote page server, shared by all
// tasks. Pagemap and VMA images stay local; only page content comes
// over the wire.
type Client struct {
	conn net.Conn
	file *os.File
	log  *zap.Logger

	// Outstanding reads, in request order. The page server answers
	// in the same order.
	pending []*pendingRead
}

type pendingRead struct {
	r    *Remote
	addr uint64
	nr   int
	buf  []byte
	done bool
}

// DialPageServer connects to the page server at addr ("tcp" host:port
// or "unix" path).
func DialPageServer(network, addr string, log *zap.Logger) (*Client, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to page server at %s", addr)
	}

	var file *os.File
	switch c := conn.(type) {
	case *net.TCPConn:
		file, err = c.File()
	case *net.UnixConn:
		file, err = c.File()
	default:
		conn.Close()
		return nil, errors.Errorf("unsupported page server network %q", network)
	}
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "page server connection fd")
	}

	return &Client{conn: conn, file: file, log: log}, nil
}

// Fd exposes the connection descriptor for epoll registration.
func (c *Client) Fd() int {
	return int(c.file.Fd())
}

// Receive consumes one response from the page server, fills the
// oldest outstanding read and fires its io-complete callback.
func (c *Client) Receive() error {
	var hdr responseHeader
	if err := binary.Read(c.conn, binary.LittleEndian, &hdr); err != nil {
		return errors.Wrap(err, "reading page server response")
	}

	if len(c.pending) == 0 {
		return errors.Errorf("page server response for %#x with no outstanding request", hdr.Vaddr)
	}
	p := c.pending[0]
	c.pending = c.pending[1:]

	if hdr.Pid != uint32(p.r.pid) || hdr.Vaddr != p.addr || int(hdr.NrPages) != p.nr {
		return errors.Errorf("page server response %d/%#x/%d does not match request %d/%#x/%d",
			hdr.Pid, hdr.Vaddr, hdr.NrPages, p.r.pid, p.addr, p.nr)
	}

	if _, err := io.ReadFull(c.conn, p.buf); err != nil {
		return errors.Wrapf(err, "reading %d pages at %#x from page server", p.nr, p.addr)
	}
	p.done = true

	c.log.Debug("page server read complete",
		zap.Int("pid", p.r.pid),
		zap.Uint64("addr", p.addr),
		zap.Int("pages", p.nr))

	if p.r.ioComplete != nil {
		return p.r.ioComplete(p.addr, p.nr)
	}
	return nil
}

func (c *Client) Close() error {
	c.file.Close()
	return c.conn.Close()
}

// NewReader creates the per-task reader on top of this connection.
// The task's pagemap image is read locally.
func (c *Client) NewReader(dir string, pid int, pageSize uint64) (*Remote, error) {
	entries, err := image.LoadPagemap(dir, pid)
	if err != nil {
		return nil, err
	}

	return &Remote{
		cursor: newPagemapCursor(entries, pageSize),
		client: c,
		pid:    pid,
	}, nil
}

// Remote is the page reader of one task backed by the shared page
// server connection.
type Remote struct {
	cursor pagemapCursor
	client *Client
	pid    int

	ioComplete IOCompleteFn
}

func (r *Remote) Advance() bool {
	return r.cursor.advance()
}

func (r *Remote) Entry() *image.PagemapEntry {
	return r.cursor.entry()
}

func (r *Remote) Reset() error {
	r.cursor.reset()
	return nil
}

func (r *Remote) SeekPagemap(addr uint64) (bool, error) {
	return r.cursor.seek(addr), nil
}

func (r *Remote) SkipPages(bytes uint64) error {
	if r.cursor.entry() == nil {
		return ErrNoRecord
	}
	r.cursor.skip += bytes
	return nil
}

func (r *Remote) SetIOComplete(fn IOCompleteFn) {
	r.ioComplete = fn
}

// ReadPages submits one request. With Async the call returns after
// submission and the content lands when the server's event loop
// drives Receive; without it the call drains responses until its own
// arrives.
func (r *Remote) ReadPages(addr uint64, nrPages int, buf []byte, flags Flags) (int, error) {
	if err := r.cursor.checkPosition(addr, nrPages); err != nil {
		return 0, err
	}

	req := requestHeader{
		Pid:     uint32(r.pid),
		Vaddr:   addr,
		NrPages: uint32(nrPages),
		Flags:   uint32(flags),
	}
	if err := binary.Write(r.client.conn, binary.LittleEndian, req); err != nil {
		return 0, errors.Wrapf(err, "requesting %d pages at %#x", nrPages, addr)
	}

	p := &pendingRead{
		r:    r,
		addr: addr,
		nr:   nrPages,
		buf:  buf[:uint64(nrPages)*r.cursor.pageSize],
	}
	r.client.pending = append(r.client.pending, p)

	if flags&Async == 0 {
		for !p.done {
			if err := r.client.Receive(); err != nil {
				return 0, err
			}
		}
	}

	return nrPages, nil
}

// Close leaves the shared connection open; the server owns it.
func (r *Remote) Close() error {
	return nil
}
