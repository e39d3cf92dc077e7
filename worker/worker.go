// Package worker drives one group of clients through the simulation.
//
// A worker owns its group's connections and position table outright. The only
// contact it has with other groups is the shared barrier, where it deposits
// one token per client after its last cycle and waits for the controller to
// open the gate.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"swarmsim/barrier"
	"swarmsim/latency"
	"swarmsim/logging"
	"swarmsim/matchmaker"
	"swarmsim/metrics"
	"swarmsim/peer"
	"swarmsim/protocol"
)

var ErrForeignID = errors.New("position id outside group")

// continueFrame trails every broadcast batch but the last one.
var continueFrame = protocol.EncodePosition(protocol.Position{ID: protocol.SentinelContinue})

type State int

const (
	StateInit State = iota
	StateCycling
	StateBarrierWait
	StateTerminating
	StateCollecting
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateCycling:
		return "cycling"
	case StateBarrierWait:
		return "barrier_wait"
	case StateTerminating:
		return "terminating"
	case StateCollecting:
		return "collecting"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transition is emitted each time a worker changes state.
type Transition struct {
	GroupID int
	State   State
	Failed  bool
}

// Aggregation strategies.
const (
	AggregateGlobal = "global"
	AggregateGroup  = "group"
)

type Options struct {
	Cycles int
	// ReadTimeout is announced to clients in the init frame, rounded up to
	// whole seconds. Zero announces no timeout.
	ReadTimeout   time.Duration
	ControlFrames bool
	Aggregation   string
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	Observer      func(Transition)
}

type Result struct {
	GroupID int
	Clients int
	Reports []latency.Report
	// Average is set under group aggregation when the group completed.
	Average    uint64
	HasAverage bool
	State      State
	Err        error
}

type Worker struct {
	groupID   int
	peers     []*peer.Peer
	ids       []int32
	barrier   *barrier.Barrier
	opts      Options
	log       *slog.Logger
	state     State
	positions map[int32]protocol.Position
	arrived   int
}

// New takes ownership of the group's connections.
func New(g *matchmaker.Group, b *barrier.Barrier, opts Options) *Worker {
	peers := g.Take()
	ids := make([]int32, len(peers))
	for i := range peers {
		ids[i] = g.Identity(i)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.Aggregation == "" {
		opts.Aggregation = AggregateGlobal
	}
	return &Worker{
		groupID:   g.ID,
		peers:     peers,
		ids:       ids,
		barrier:   b,
		opts:      opts,
		log:       logger.With(slog.Int("group", g.ID)),
		positions: make(map[int32]protocol.Position, len(peers)),
	}
}

// Run executes the full state machine and always returns a result. A failure
// is confined to this group: the worker still deposits all of its barrier
// tokens so no other group is held up on its account.
func (w *Worker) Run(ctx context.Context) Result {
	w.opts.Metrics.GroupStarted()
	defer w.closePeers()

	res := Result{GroupID: w.groupID, Clients: len(w.peers)}
	if err := w.run(ctx, &res); err != nil {
		w.forfeit()
		res.Err = fmt.Errorf("group %d %s: %w", w.groupID, w.state, err)
		res.State = w.state
		w.log.Error("group failed", slog.String("state", w.state.String()), slog.String("error", err.Error()))
		w.notify(true)
		w.opts.Metrics.GroupFinished("failed")
		return res
	}
	res.State = w.state
	w.opts.Metrics.GroupFinished("ok")
	return res
}

func (w *Worker) run(ctx context.Context, res *Result) error {
	w.setState(StateInit)
	if err := w.init(ctx); err != nil {
		return err
	}

	w.setState(StateCycling)
	for c := 0; c < w.opts.Cycles; c++ {
		start := time.Now()
		if err := w.cycle(ctx, c); err != nil {
			return fmt.Errorf("cycle %d: %w", c+1, err)
		}
		w.opts.Metrics.ObserveCycle(time.Since(start))
	}

	w.setState(StateBarrierWait)
	if err := w.rendezvous(ctx); err != nil {
		return err
	}

	if w.opts.ControlFrames {
		w.setState(StateTerminating)
		for _, p := range w.peers {
			if err := p.Send(ctx, protocol.Terminate); err != nil {
				return err
			}
		}
		w.opts.Metrics.FramesOut(len(w.peers))
	}

	w.setState(StateCollecting)
	if err := w.collect(ctx, res); err != nil {
		return err
	}

	w.setState(StateDone)
	return nil
}

func (w *Worker) init(ctx context.Context) error {
	timeout := (w.opts.ReadTimeout + time.Second - 1) / time.Second
	if err := protocol.CheckInit(w.opts.Cycles, len(w.peers), int(timeout)); err != nil {
		return err
	}
	for i, p := range w.peers {
		id := w.ids[i]
		msg := protocol.NewInit(protocol.Init{
			ID:        id,
			Cycles:    int16(w.opts.Cycles),
			Timeout:   int16(timeout),
			GroupSize: int16(len(w.peers)),
		})
		if err := p.Send(ctx, msg); err != nil {
			return fmt.Errorf("client %d: %w", id, err)
		}
		w.positions[id] = protocol.Position{ID: id}
	}
	w.opts.Metrics.FramesOut(len(w.peers))
	w.log.Debug("group initialised", slog.Int("clients", len(w.peers)))
	return nil
}

// cycle reads one position from every client, then sends every client the
// whole table, its own entry included.
func (w *Worker) cycle(ctx context.Context, c int) error {
	for i, p := range w.peers {
		msg, err := p.Receive(ctx, protocol.KindPosition)
		if err != nil {
			return fmt.Errorf("client %d: %w", w.ids[i], err)
		}
		pos := msg.Position
		if _, ok := w.positions[pos.ID]; !ok {
			return fmt.Errorf("client %d sent id %d: %w", w.ids[i], pos.ID, ErrForeignID)
		}
		w.positions[pos.ID] = pos
	}
	w.opts.Metrics.FramesIn(len(w.peers))

	buf := protocol.AcquireBuffer()
	defer protocol.ReleaseBuffer(buf)
	for _, id := range w.ids {
		*buf = protocol.AppendFrame(*buf, protocol.EncodePosition(w.positions[id]))
	}
	if w.opts.ControlFrames && c < w.opts.Cycles-1 {
		*buf = protocol.AppendFrame(*buf, continueFrame)
	}

	for i, p := range w.peers {
		if err := p.SendBatch(ctx, *buf); err != nil {
			return fmt.Errorf("broadcast to client %d: %w", w.ids[i], err)
		}
	}
	w.opts.Metrics.FramesOut(len(w.peers) * len(*buf) / protocol.FrameSize)
	return nil
}

func (w *Worker) rendezvous(ctx context.Context) error {
	for range w.peers {
		if err := w.barrier.Arrive(); err != nil {
			return err
		}
		w.arrived++
	}
	start := time.Now()
	if err := w.barrier.Wait(ctx); err != nil {
		return err
	}
	w.opts.Metrics.ObserveBarrierWait(time.Since(start))
	w.log.Debug("barrier released", slog.Duration("waited", time.Since(start)))
	return nil
}

func (w *Worker) collect(ctx context.Context, res *Result) error {
	var agg latency.Aggregator
	res.Reports = make([]latency.Report, 0, len(w.peers))
	for i, p := range w.peers {
		msg, err := p.Receive(ctx, protocol.KindLatency)
		if err != nil {
			return fmt.Errorf("latency from client %d: %w", w.ids[i], err)
		}
		res.Reports = append(res.Reports, latency.Report{
			GroupID:  w.groupID,
			ClientID: w.ids[i],
			Millis:   msg.Latency,
		})
		agg.Record(msg.Latency)
		w.opts.Metrics.ObserveLatency(msg.Latency)
	}
	w.opts.Metrics.FramesIn(len(w.peers))

	if w.opts.Aggregation == AggregateGroup {
		avg, err := agg.Average()
		if err != nil {
			return err
		}
		res.Average = avg
		res.HasAverage = true
		w.log.Info("group average latency", slog.Uint64("average_ms", avg), slog.Int("clients", agg.Count()))
	}
	return nil
}

// forfeit deposits whatever barrier tokens this worker still owes.
func (w *Worker) forfeit() {
	for w.arrived < len(w.peers) {
		if err := w.barrier.Arrive(); err != nil {
			return
		}
		w.arrived++
	}
}

func (w *Worker) setState(s State) {
	w.state = s
	w.notify(false)
}

func (w *Worker) notify(failed bool) {
	if w.opts.Observer != nil {
		w.opts.Observer(Transition{GroupID: w.groupID, State: w.state, Failed: failed})
	}
}

func (w *Worker) closePeers() {
	for _, p := range w.peers {
		p.Close()
	}
}

// Positions returns a copy of the group's position table.
func (w *Worker) Positions() map[int32]protocol.Position {
	out := make(map[int32]protocol.Position, len(w.positions))
	for id, p := range w.positions {
		out[id] = p
	}
	return out
}

func (w *Worker) GroupID() int {
	return w.groupID
}
