package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"swarmsim/protocol"

	"github.com/cenkalti/backoff/v4"
)

var (
	ErrClosed  = errors.New("connection closed")
	ErrTimeout = errors.New("peer timed out")
)

type Options struct {
	// ReadTimeout and WriteTimeout bound a single attempt. Zero blocks forever.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxRetries is how many extra attempts a timed-out frame gets.
	MaxRetries int
	Backoff    time.Duration
	NoDelay    bool
}

// Peer is one client connection speaking fixed-size frames. A Peer is not safe
// for concurrent use; it belongs to whichever worker holds it.
type Peer struct {
	Remote      string
	ConnectedAt time.Time

	conn      net.Conn
	opts      Options
	closed    atomic.Bool
	framesIn  atomic.Int64
	framesOut atomic.Int64
}

func New(conn net.Conn, opts Options) *Peer {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(opts.NoDelay)
	}
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &Peer{
		Remote:      remote,
		ConnectedAt: time.Now(),
		conn:        conn,
		opts:        opts,
	}
}

func (p *Peer) Send(ctx context.Context, m protocol.Message) error {
	f, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	if err := p.write(ctx, f[:]); err != nil {
		return err
	}
	p.framesOut.Add(1)
	return nil
}

// SendBatch writes several concatenated frames in one call.
func (p *Peer) SendBatch(ctx context.Context, frames []byte) error {
	if len(frames)%protocol.FrameSize != 0 {
		return fmt.Errorf("batch of %d bytes is not a whole number of frames", len(frames))
	}
	if err := p.write(ctx, frames); err != nil {
		return err
	}
	p.framesOut.Add(int64(len(frames) / protocol.FrameSize))
	return nil
}

// ReceiveFrame reads one raw frame.
func (p *Peer) ReceiveFrame(ctx context.Context) (protocol.Frame, error) {
	var f protocol.Frame
	if err := p.read(ctx, f[:]); err != nil {
		return f, err
	}
	p.framesIn.Add(1)
	return f, nil
}

func (p *Peer) Receive(ctx context.Context, expect protocol.Kind) (protocol.Message, error) {
	f, err := p.ReceiveFrame(ctx)
	if err != nil {
		return protocol.Message{}, err
	}
	return protocol.Decode(f, expect)
}

func (p *Peer) read(ctx context.Context, buf []byte) error {
	return p.transfer(ctx, buf, p.opts.ReadTimeout, p.conn.Read, p.conn.SetReadDeadline)
}

func (p *Peer) write(ctx context.Context, buf []byte) error {
	return p.transfer(ctx, buf, p.opts.WriteTimeout, p.conn.Write, p.conn.SetWriteDeadline)
}

// transfer moves all of buf through op. A timed-out attempt resumes at the
// offset already transferred and is retried with backoff; other errors are
// returned at once.
func (p *Peer) transfer(ctx context.Context, buf []byte, timeout time.Duration,
	op func([]byte) (int, error), setDeadline func(time.Time) error) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// unblock a pending read or write when ctx ends
	stop := context.AfterFunc(ctx, func() {
		p.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	done := 0
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		deadline := time.Time{}
		if timeout > 0 {
			deadline = time.Now().Add(timeout)
		}
		if err := setDeadline(deadline); err != nil {
			return backoff.Permanent(err)
		}
		// a cancel that landed before setDeadline had its past deadline overwritten
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		for done < len(buf) {
			n, err := op(buf[done:])
			done += n
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if isTimeout(err) {
				return err
			}
			if errors.Is(err, io.EOF) && done > 0 {
				return backoff.Permanent(fmt.Errorf("%w: %d of %d bytes", protocol.ErrShortFrame, done, len(buf)))
			}
			return backoff.Permanent(err)
		}
		return nil
	}, p.policy(ctx))

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case isTimeout(err):
		return fmt.Errorf("%w after %d attempts (%s): %v", ErrTimeout, attempts, p.Remote, err)
	case p.closed.Load():
		return ErrClosed
	default:
		return err
	}
}

func (p *Peer) policy(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.opts.Backoff > 0 {
		eb.InitialInterval = p.opts.Backoff
	}
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.opts.MaxRetries)), ctx)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (p *Peer) Close() {
	if p.closed.CompareAndSwap(false, true) {
		p.conn.Close()
	}
}

func (p *Peer) IsClosed() bool {
	return p.closed.Load()
}

func (p *Peer) FramesIn() int64 {
	return p.framesIn.Load()
}

func (p *Peer) FramesOut() int64 {
	return p.framesOut.Load()
}
