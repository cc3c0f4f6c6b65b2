// Package frontend bridges an external front-end to the manager. The
// front-end speaks the same newline-delimited JSON as the worker: commands
// in, statuses out.
package frontend

import (
	"io"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ormasoftchile/tankapi/pkg/logging"
	"github.com/ormasoftchile/tankapi/pkg/protocol"
)

// Options are shared by all front-ends.
type Options struct {
	Logger log.FieldLogger
	// OnProtocolError is called for every dropped inbound line.
	OnProtocolError func(error)
}

func (o Options) logger() log.FieldLogger {
	if o.Logger == nil {
		return logging.NullLogger()
	}
	return o.Logger
}

// conn is the half shared by every front-end: a status encoder and a pump
// feeding decoded commands into the manager's inbox.
type conn struct {
	enc      *protocol.Encoder
	log      log.FieldLogger
	opts     Options
	inputEnd chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	group    errgroup.Group
}

func newConn(w io.Writer, opts Options) *conn {
	return &conn{
		enc:      protocol.NewEncoder(w),
		log:      opts.logger(),
		opts:     opts,
		inputEnd: make(chan struct{}),
		stop:     make(chan struct{}),
	}
}

// pump decodes commands from r until EOF. Status-shaped and malformed lines
// are protocol errors.
func (c *conn) pump(r io.Reader, inbox chan<- protocol.Message) error {
	defer close(c.inputEnd)

	lr := protocol.NewLineReader(r)
	for {
		line, err := lr.Next()
		if err == io.EOF {
			c.log.Info("Front-end closed its command stream")
			return nil
		}
		if err != nil {
			return err
		}
		msg, err := protocol.Decode(line)
		if err == nil && msg.Kind != protocol.KindCommand {
			err = errNotACommand
		}
		if err != nil {
			c.log.WithError(err).Errorf("Dropping message from front-end: %s", line)
			if c.opts.OnProtocolError != nil {
				c.opts.OnProtocolError(err)
			}
			continue
		}
		select {
		case inbox <- msg:
		case <-c.stop:
			return nil
		}
	}
}

func (c *conn) send(st protocol.Status) error {
	return c.enc.Encode(st)
}

func (c *conn) inputOpen() bool {
	select {
	case <-c.inputEnd:
		return false
	default:
		return true
	}
}

func (c *conn) halt() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Stdio is a front-end attached to the manager's own stdin and stdout. It
// is alive until stdin reaches EOF.
type Stdio struct {
	*conn
}

// NewStdio starts reading commands from r; statuses are written to w.
func NewStdio(r io.Reader, w io.Writer, inbox chan<- protocol.Message, opts Options) *Stdio {
	s := &Stdio{conn: newConn(w, opts)}
	s.group.Go(func() error { return s.pump(r, inbox) })
	return s
}

// Send writes st as one line.
func (s *Stdio) Send(st protocol.Status) error { return s.send(st) }

// Alive reports whether commands can still arrive.
func (s *Stdio) Alive() bool { return s.inputOpen() }

// Close stops forwarding commands. It does not close r.
func (s *Stdio) Close() { s.halt() }

// Wait returns once the command pump has stopped.
func (s *Stdio) Wait() error { return s.group.Wait() }
