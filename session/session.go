// Package session runs one simulation: it admits the configured number of
// clients, partitions them into groups, drives a worker per group through the
// shared barrier and folds the latency reports into a summary.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"swarmsim/barrier"
	"swarmsim/broker"
	"swarmsim/config"
	"swarmsim/latency"
	"swarmsim/logging"
	"swarmsim/matchmaker"
	"swarmsim/metrics"
	"swarmsim/peer"
	"swarmsim/protocol"
	"swarmsim/worker"

	"github.com/google/uuid"
)

var (
	ErrNoClients      = errors.New("no full group could be formed")
	ErrListenerClosed = errors.New("connection source closed before target reached")
	ErrGroupsFailed   = errors.New("one or more groups failed")
)

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseAccepting  Phase = "accepting"
	PhaseSimulating Phase = "simulating"
	PhaseCollecting Phase = "collecting"
	PhaseDone       Phase = "done"
	PhaseFailed     Phase = "failed"
)

type Deps struct {
	Logger  *slog.Logger
	Broker  broker.Broker
	Metrics *metrics.Metrics
	// RunID names the run. A random one is generated when empty.
	RunID string
}

// Status is a point-in-time view for the stats endpoint.
type Status struct {
	RunID    string         `json:"run_id"`
	Phase    Phase          `json:"phase"`
	Target   int            `json:"target"`
	Accepted int            `json:"accepted"`
	Unplaced int            `json:"unplaced"`
	Released bool           `json:"barrier_released"`
	Groups   map[int]string `json:"groups"`
}

// GroupMessage is published on broker.TopicGroups when a worker exits.
type GroupMessage struct {
	RunID   string           `json:"run_id"`
	GroupID int              `json:"group_id"`
	Clients int              `json:"clients"`
	State   string           `json:"state"`
	Error   string           `json:"error,omitempty"`
	Average uint64           `json:"average_ms,omitempty"`
	Reports []latency.Report `json:"reports,omitempty"`
}

type Controller struct {
	cfg     *config.Config
	log     *slog.Logger
	broker  broker.Broker
	metrics *metrics.Metrics
	runID   string

	mu     sync.RWMutex
	status Status
}

func New(cfg *config.Config, deps Deps) *Controller {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	b := deps.Broker
	if b == nil {
		b = broker.NewLocal()
	}
	runID := deps.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Controller{
		cfg:     cfg,
		log:     logger.With(slog.String("run", shortID(runID))),
		broker:  b,
		metrics: deps.Metrics,
		runID:   runID,
		status: Status{
			RunID:  runID,
			Phase:  PhaseIdle,
			Target: cfg.ClientNumber,
			Groups: make(map[int]string),
		},
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (c *Controller) RunID() string {
	return c.runID
}

func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := c.status
	st.Groups = make(map[int]string, len(c.status.Groups))
	for id, s := range c.status.Groups {
		st.Groups[id] = s
	}
	return st
}

func (c *Controller) update(fn func(*Status)) {
	c.mu.Lock()
	fn(&c.status)
	c.mu.Unlock()
}

// Run blocks until the run finishes. The summary is returned whenever at
// least one group was dispatched, even if some groups failed.
func (c *Controller) Run(ctx context.Context, conns <-chan net.Conn) (*latency.Summary, error) {
	started := time.Now()
	timeout := int((c.cfg.ConnTimeout.Duration + time.Second - 1) / time.Second)
	if err := protocol.CheckInit(c.cfg.SimulationCycles, c.cfg.GroupSize, timeout); err != nil {
		return nil, err
	}

	c.update(func(s *Status) { s.Phase = PhaseAccepting })
	c.log.Info("waiting for clients", slog.Int("target", c.cfg.ClientNumber), slog.Int("group_size", c.cfg.GroupSize))
	peers, err := c.accept(ctx, conns)
	if err != nil {
		c.update(func(s *Status) { s.Phase = PhaseFailed })
		return nil, err
	}

	c.log.Info("simulation starting", slog.Int("clients", len(peers)), slog.Int("cycles", c.cfg.SimulationCycles))
	mm := matchmaker.New(c.cfg.GroupSize)
	groups, stragglers := mm.Partition(peers)
	if len(stragglers) > 0 {
		// nobody will ever send them an init frame; let them see EOF
		for _, p := range stragglers {
			p.Close()
		}
		c.metrics.Unplaced(len(stragglers))
		c.log.Warn(fmt.Sprintf("%d clients unplaced", len(stragglers)), slog.Int("group_size", c.cfg.GroupSize))
	}
	c.update(func(s *Status) {
		s.Phase = PhaseSimulating
		s.Unplaced = len(stragglers)
	})
	if len(groups) == 0 {
		c.update(func(s *Status) { s.Phase = PhaseFailed })
		return nil, ErrNoClients
	}

	summary := &latency.Summary{
		RunID:    c.runID,
		Strategy: c.cfg.Aggregation,
		Groups:   len(groups),
		Clients:  len(groups) * c.cfg.GroupSize,
		Unplaced: len(stragglers),
		Started:  started,
	}

	b := barrier.New(summary.Clients)
	results, wait := c.dispatch(ctx, groups, b)
	defer wait()

	if err := b.Collect(ctx); err != nil {
		c.update(func(s *Status) { s.Phase = PhaseFailed })
		return nil, fmt.Errorf("barrier: %w", err)
	}
	c.log.Info("barrier released",
		slog.Int("tokens", b.Received()),
		slog.Int("expected", b.Expected()),
		slog.Int("groups", mm.Dispatched()))
	c.update(func(s *Status) {
		s.Phase = PhaseCollecting
		s.Released = true
	})

	var agg latency.Aggregator
	for i := 0; i < len(groups); i++ {
		var res worker.Result
		select {
		case res = <-results:
		case <-ctx.Done():
			c.update(func(s *Status) { s.Phase = PhaseFailed })
			return nil, ctx.Err()
		}
		c.fold(ctx, summary, &agg, res)
	}

	summary.Reports = agg.Count()
	if summary.Strategy == worker.AggregateGlobal {
		avg, err := agg.Average()
		if err == nil {
			summary.Average = avg
			summary.Min = agg.Min()
			summary.Max = agg.Max()
		}
	}
	sort.Ints(summary.Failed)
	summary.Duration = time.Since(started)

	if err := broker.PublishJSON(ctx, c.broker, broker.TopicSummary, summary); err != nil {
		c.log.Warn("publish summary failed", slog.String("error", err.Error()))
	}

	if len(summary.Failed) > 0 {
		c.update(func(s *Status) { s.Phase = PhaseFailed })
		return summary, fmt.Errorf("%w: %v", ErrGroupsFailed, summary.Failed)
	}
	c.update(func(s *Status) { s.Phase = PhaseDone })
	c.log.Info("simulation finished",
		slog.Uint64("average_ms", summary.Average),
		slog.Int("reports", summary.Reports),
		slog.Duration("elapsed", summary.Duration))
	return summary, nil
}

func (c *Controller) peerOptions() peer.Options {
	return peer.Options{
		ReadTimeout:  c.cfg.ConnTimeout.Duration,
		WriteTimeout: c.cfg.WriteTimeout.Duration,
		MaxRetries:   c.cfg.MaxRetries,
		Backoff:      c.cfg.RetryBackoff.Duration,
		NoDelay:      c.cfg.NoDelay,
	}
}

func (c *Controller) accept(ctx context.Context, conns <-chan net.Conn) ([]*peer.Peer, error) {
	peers := make([]*peer.Peer, 0, c.cfg.ClientNumber)
	release := func() {
		for _, p := range peers {
			p.Close()
		}
	}
	for len(peers) < c.cfg.ClientNumber {
		select {
		case conn, ok := <-conns:
			if !ok {
				release()
				return nil, ErrListenerClosed
			}
			p := peer.New(conn, c.peerOptions())
			peers = append(peers, p)
			c.metrics.ConnAccepted()
			c.update(func(s *Status) { s.Accepted = len(peers) })
			c.log.Debug("client connected", slog.String("remote", p.Remote), slog.Int("accepted", len(peers)))
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return peers, nil
}

// dispatch starts one worker per group. The returned wait func blocks until
// every worker and the status tracker have exited.
func (c *Controller) dispatch(ctx context.Context, groups []*matchmaker.Group, b *barrier.Barrier) (<-chan worker.Result, func()) {
	results := make(chan worker.Result, len(groups))
	transitions := make(chan worker.Transition, 4*len(groups))
	tracked := make(chan struct{})

	go func() {
		defer close(tracked)
		for tr := range transitions {
			state := tr.State.String()
			if tr.Failed {
				state = "failed:" + state
			}
			c.update(func(s *Status) { s.Groups[tr.GroupID] = state })
		}
	}()

	opts := worker.Options{
		Cycles:        c.cfg.SimulationCycles,
		ReadTimeout:   c.cfg.ConnTimeout.Duration,
		ControlFrames: c.cfg.ControlFrames,
		Aggregation:   c.cfg.Aggregation,
		Logger:        c.log,
		Metrics:       c.metrics,
		Observer:      func(tr worker.Transition) { transitions <- tr },
	}

	var wg sync.WaitGroup
	for _, g := range groups {
		w := worker.New(g, b, opts)
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- w.Run(ctx)
		}()
	}

	return results, func() {
		wg.Wait()
		close(transitions)
		<-tracked
	}
}

func (c *Controller) fold(ctx context.Context, summary *latency.Summary, agg *latency.Aggregator, res worker.Result) {
	msg := GroupMessage{
		RunID:   c.runID,
		GroupID: res.GroupID,
		Clients: res.Clients,
		State:   res.State.String(),
	}
	if res.Err != nil {
		summary.Failed = append(summary.Failed, res.GroupID)
		msg.Error = res.Err.Error()
	} else {
		for _, r := range res.Reports {
			agg.Record(r.Millis)
		}
		msg.Reports = res.Reports
		if res.HasAverage {
			if summary.GroupAverages == nil {
				summary.GroupAverages = make(map[int]uint64)
			}
			summary.GroupAverages[res.GroupID] = res.Average
			msg.Average = res.Average
		}
	}
	if err := broker.PublishJSON(ctx, c.broker, broker.TopicGroups, msg); err != nil {
		c.log.Warn("publish group result failed", slog.Int("group", res.GroupID), slog.String("error", err.Error()))
	}
}

// Describe renders the one-line console summary.
func Describe(s *latency.Summary) string {
	if s.Strategy == worker.AggregateGroup {
		ids := make([]int, 0, len(s.GroupAverages))
		for id := range s.GroupAverages {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		out := fmt.Sprintf("%d groups, %d clients, %d unplaced; group averages:", s.Groups, s.Clients, s.Unplaced)
		for _, id := range ids {
			out += fmt.Sprintf(" g%d=%dms", id, s.GroupAverages[id])
		}
		return out
	}
	return fmt.Sprintf("average latency %dms over %d clients in %d groups (%d unplaced)",
		s.Average, s.Reports, s.Groups, s.Unplaced)
}
