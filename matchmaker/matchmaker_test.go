package matchmaker

import (
	"net"
	"testing"

	"swarmsim/peer"
)

func makePeers(t *testing.T, n int) []*peer.Peer {
	t.Helper()
	peers := make([]*peer.Peer, n)
	for i := range peers {
		server, client := net.Pipe()
		peers[i] = peer.New(server, peer.Options{})
		t.Cleanup(func() {
			server.Close()
			client.Close()
		})
	}
	return peers
}

func TestGroupOfThree(t *testing.T) {
	m := New(3)
	peers := makePeers(t, 3)

	if g := m.Add(peers[0]); g != nil {
		t.Error("first should wait")
	}
	if g := m.Add(peers[1]); g != nil {
		t.Error("second should wait")
	}
	g := m.Add(peers[2])
	if g == nil {
		t.Fatal("third should complete a group")
	}
	if g.ID != 1 {
		t.Errorf("expected group id 1, got %d", g.ID)
	}
	members := g.Take()
	if len(members) != 3 {
		t.Fatalf("expected 3 members, got %d", len(members))
	}
	for i, p := range members {
		if p != peers[i] {
			t.Errorf("member %d out of arrival order", i)
		}
	}
	if rest := m.Drain(); len(rest) != 0 {
		t.Errorf("expected empty queue, got %d", len(rest))
	}
}

func TestGroupIdentities(t *testing.T) {
	m := New(4)
	groups, rest := m.Partition(makePeers(t, 12))
	if len(rest) != 0 {
		t.Errorf("expected no stragglers, got %d", len(rest))
	}
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(groups))
	}
	for i, g := range groups {
		if g.ID != i+1 {
			t.Errorf("expected id %d, got %d", i+1, g.ID)
		}
		if want := int32(i * 4); g.FirstIdentity() != want {
			t.Errorf("group %d: expected first identity %d, got %d", g.ID, want, g.FirstIdentity())
		}
		if want := int32(i*4 + 3); g.Identity(3) != want {
			t.Errorf("group %d: expected last identity %d, got %d", g.ID, want, g.Identity(3))
		}
	}
	if m.Dispatched() != 3 {
		t.Errorf("expected 3 dispatched, got %d", m.Dispatched())
	}
}

func TestTrailingPartialGroupNotDispatched(t *testing.T) {
	m := New(3)
	peers := makePeers(t, 8)
	groups, rest := m.Partition(peers)

	if len(groups) != 2 {
		t.Fatalf("expected 2 full groups, got %d", len(groups))
	}
	for _, g := range groups {
		if n := len(g.Take()); n != 3 {
			t.Errorf("group %d has %d members", g.ID, n)
		}
	}
	if len(rest) != 2 {
		t.Fatalf("expected 2 stragglers, got %d", len(rest))
	}
	if rest[0] != peers[6] || rest[1] != peers[7] {
		t.Error("stragglers should be the last arrivals")
	}
	if again := m.Drain(); len(again) != 0 {
		t.Errorf("drain should empty the queue, got %d", len(again))
	}
}

func TestTakeOnce(t *testing.T) {
	m := New(2)
	groups, _ := m.Partition(makePeers(t, 2))
	g := groups[0]
	if len(g.Take()) != 2 {
		t.Fatal("first take should return members")
	}
	if g.Take() != nil {
		t.Error("second take should return nil")
	}
}

func TestGroupSizeFloor(t *testing.T) {
	m := New(0)
	if m.GroupSize() != 1 {
		t.Errorf("expected group size 1, got %d", m.GroupSize())
	}
	if g := m.Add(makePeers(t, 1)[0]); g == nil {
		t.Error("size-1 group should dispatch immediately")
	}
}
