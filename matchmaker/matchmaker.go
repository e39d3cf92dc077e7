package matchmaker

import (
	"swarmsim/peer"
)

// Group is a full batch of clients handed to one worker. Its members can be
// taken out exactly once; after that the group only describes itself.
type Group struct {
	ID   int
	Size int

	members []*peer.Peer
	taken   bool
}

// NewGroup builds a group directly from members, outside any matchmaker.
func NewGroup(id int, members []*peer.Peer) *Group {
	return &Group{ID: id, Size: len(members), members: members}
}

// FirstIdentity is the client id of the group's first member.
func (g *Group) FirstIdentity() int32 {
	return int32((g.ID - 1) * g.Size)
}

// Identity is the client id assigned to the i-th member.
func (g *Group) Identity(i int) int32 {
	return g.FirstIdentity() + int32(i)
}

// Take transfers ownership of the member connections to the caller. Later
// calls return nil.
func (g *Group) Take() []*peer.Peer {
	if g.taken {
		return nil
	}
	g.taken = true
	m := g.members
	g.members = nil
	return m
}

// Matchmaker slices arriving connections into consecutive fixed-size groups in
// arrival order. It is owned by the accepting goroutine and is not safe for
// concurrent use.
type Matchmaker struct {
	groupSize int
	pending   []*peer.Peer
	nextID    int
}

func New(groupSize int) *Matchmaker {
	if groupSize < 1 {
		groupSize = 1
	}
	return &Matchmaker{
		groupSize: groupSize,
		pending:   make([]*peer.Peer, 0, groupSize),
		nextID:    1,
	}
}

// Add queues p and returns a group once the queue is full, otherwise nil.
func (m *Matchmaker) Add(p *peer.Peer) *Group {
	m.pending = append(m.pending, p)
	if len(m.pending) < m.groupSize {
		return nil
	}

	g := &Group{
		ID:      m.nextID,
		Size:    m.groupSize,
		members: m.pending,
	}
	m.nextID++
	m.pending = make([]*peer.Peer, 0, m.groupSize)
	return g
}

// Partition runs every peer through Add and returns the full groups plus the
// trailing stragglers that did not fill a group.
func (m *Matchmaker) Partition(peers []*peer.Peer) ([]*Group, []*peer.Peer) {
	var groups []*Group
	for _, p := range peers {
		if g := m.Add(p); g != nil {
			groups = append(groups, g)
		}
	}
	return groups, m.Drain()
}

// Drain empties the pending queue. Those peers are never dispatched.
func (m *Matchmaker) Drain() []*peer.Peer {
	out := m.pending
	m.pending = make([]*peer.Peer, 0, m.groupSize)
	return out
}

func (m *Matchmaker) GroupSize() int {
	return m.groupSize
}

// Dispatched is the number of groups produced so far.
func (m *Matchmaker) Dispatched() int {
	return m.nextID - 1
}
