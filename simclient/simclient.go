// Package simclient is a scripted client for the position-broadcast protocol.
// It backs the load generator in cmd/swarmclient and the end-to-end tests.
package simclient

import (
	"context"
	"fmt"
	"net"
	"time"

	"swarmsim/peer"
	"swarmsim/protocol"

	"golang.org/x/sync/errgroup"
)

type Options struct {
	// ControlFrames must match the server's setting.
	ControlFrames bool
	// Latency is reported verbatim when non-zero; otherwise the measured mean
	// round trip in milliseconds is sent.
	Latency uint64
	// Position picks the coordinates sent in a cycle. Defaults to (1, 2, 3).
	Position func(id int32, cycle int) protocol.Position
	Peer     peer.Options
}

type Stats struct {
	Init       protocol.Init
	Broadcasts int
	PerCycle   []int
	Continues  int
	Terminated bool
	Frames     int
	Last       map[int32]protocol.Position
	Reported   uint64
}

func defaultPosition(id int32, _ int) protocol.Position {
	return protocol.Position{ID: id, X: 1, Y: 2, Z: 3}
}

// Run speaks one full session over conn and closes it when done.
func Run(ctx context.Context, conn net.Conn, opts Options) (Stats, error) {
	p := peer.New(conn, opts.Peer)
	defer p.Close()

	position := opts.Position
	if position == nil {
		position = defaultPosition
	}

	var st Stats
	msg, err := p.Receive(ctx, protocol.KindInit)
	if err != nil {
		return st, fmt.Errorf("init: %w", err)
	}
	st.Init = msg.Init
	st.Last = make(map[int32]protocol.Position, st.Init.GroupSize)
	cycles := int(st.Init.Cycles)
	size := int(st.Init.GroupSize)

	var total time.Duration
	for c := 0; c < cycles; c++ {
		start := time.Now()
		if err := p.Send(ctx, protocol.NewPosition(position(st.Init.ID, c))); err != nil {
			return st, fmt.Errorf("cycle %d send: %w", c+1, err)
		}
		got := 0
		for i := 0; i < size; i++ {
			m, err := p.Receive(ctx, protocol.KindPosition)
			if err != nil {
				return st, fmt.Errorf("cycle %d broadcast %d: %w", c+1, i, err)
			}
			st.Last[m.Position.ID] = m.Position
			got++
		}
		total += time.Since(start)
		st.Broadcasts += got
		st.PerCycle = append(st.PerCycle, got)

		if opts.ControlFrames && c < cycles-1 {
			if _, err := p.Receive(ctx, protocol.KindContinue); err != nil {
				return st, fmt.Errorf("cycle %d continue: %w", c+1, err)
			}
			st.Continues++
		}
	}

	if opts.ControlFrames {
		if _, err := p.Receive(ctx, protocol.KindTerminate); err != nil {
			return st, fmt.Errorf("terminate: %w", err)
		}
		st.Terminated = true
	}

	report := opts.Latency
	if report == 0 && cycles > 0 {
		report = uint64((total / time.Duration(cycles)).Milliseconds())
	}
	if err := p.Send(ctx, protocol.NewLatency(report)); err != nil {
		return st, fmt.Errorf("latency report: %w", err)
	}
	st.Reported = report
	st.Frames = int(p.FramesIn())
	return st, nil
}

// Dial connects to addr over TCP and runs one session.
func Dial(ctx context.Context, addr string, opts Options) (Stats, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Stats{}, err
	}
	return Run(ctx, conn, opts)
}

// Swarm runs n concurrent clients against addr. Connections are opened one at
// a time so arrival order matches index order.
func Swarm(ctx context.Context, addr string, n int, opts Options) ([]Stats, error) {
	stats := make([]Stats, n)
	g, gctx := errgroup.WithContext(ctx)
	var d net.Dialer
	for i := 0; i < n; i++ {
		conn, err := d.DialContext(gctx, "tcp", addr)
		if err != nil {
			g.Wait()
			return stats, fmt.Errorf("dial client %d: %w", i, err)
		}
		i := i
		g.Go(func() error {
			st, err := Run(gctx, conn, opts)
			stats[i] = st
			if err != nil {
				return fmt.Errorf("client %d: %w", i, err)
			}
			return nil
		})
	}
	return stats, g.Wait()
}
