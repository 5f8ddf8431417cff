package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/relaywire/tunneld/internal/protocol"
	"github.com/stretchr/testify/require"
)

type fakeAgents struct {
	mu        sync.Mutex
	connected map[string]bool
}

func newFakeAgents(ids ...string) *fakeAgents {
	f := &fakeAgents{connected: make(map[string]bool)}
	for _, id := range ids {
		f.connected[id] = true
	}
	return f
}

func (f *fakeAgents) AgentConnected(agentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[agentID]
}

func Test_open_rejects_unknown_agent(t *testing.T) {
	r := New(0, newFakeAgents())
	_, err := r.Open("agent-1", "conn-1", protocol.TunnelSSH, false)
	if !errors.Is(err, ErrAgentUnknown) {
		t.Fatalf("expected ErrAgentUnknown, got %v", err)
	}
}

func Test_open_allocates_unique_ids(t *testing.T) {
	r := New(0, newFakeAgents("agent-1"))
	seen := make(map[uuid.UUID]bool)
	for i := 0; i < 100; i++ {
		tun, err := r.Open("agent-1", "conn-1", protocol.TunnelSSH, false)
		require.NoError(t, err)
		require.False(t, seen[tun.ID], "tunnel id reused: %s", tun.ID)
		seen[tun.ID] = true
	}
}

func Test_open_respects_max_tunnels(t *testing.T) {
	r := New(1, newFagentsOrFail(t))
	_, err := r.Open("agent-1", "conn-1", protocol.TunnelSSH, false)
	require.NoError(t, err)

	_, err = r.Open("agent-1", "conn-2", protocol.TunnelSSH, false)
	if !errors.Is(err, ErrRegistryFull) {
		t.Fatalf("expected ErrRegistryFull, got %v", err)
	}
}

func newFagentsOrFail(t *testing.T) *fakeAgents {
	t.Helper()
	return newFakeAgents("agent-1")
}

func Test_close_is_idempotent(t *testing.T) {
	r := New(0, newFakeAgents("agent-1"))
	tun, err := r.Open("agent-1", "conn-1", protocol.TunnelSSH, false)
	require.NoError(t, err)

	r.Close(tun.ID)
	require.True(t, tun.Disconnect().Fired())
	require.Equal(t, 0, r.Len())

	// calling close again must not panic, re-fire, or change state.
	r.Close(tun.ID)
	require.Equal(t, 0, r.Len())
}

func Test_close_removes_from_indexes(t *testing.T) {
	r := New(0, newFakeAgents("agent-1"))
	tun, err := r.Open("agent-1", "conn-1", protocol.TunnelSSH, false)
	require.NoError(t, err)

	require.Len(t, r.ListByAgent("agent-1"), 1)
	require.Len(t, r.ListByConnection("conn-1"), 1)

	r.Close(tun.ID)

	require.Empty(t, r.ListByAgent("agent-1"))
	require.Empty(t, r.ListByConnection("conn-1"))
}

func Test_deliver_unknown_tunnel(t *testing.T) {
	r := New(0, newFakeAgents("agent-1"))
	_, err := r.Deliver(uuid.New())
	if !errors.Is(err, ErrUnknownTunnel) {
		t.Fatalf("expected ErrUnknownTunnel, got %v", err)
	}
}

func Test_list_by_agent_cascades_multiple_tunnels(t *testing.T) {
	r := New(0, newFakeAgents("agent-1"))
	ids := make([]uuid.UUID, 0, 5)
	for i := 0; i < 5; i++ {
		tun, err := r.Open("agent-1", "conn-1", protocol.TunnelSSH, false)
		require.NoError(t, err)
		ids = append(ids, tun.ID)
	}

	owned := r.ListByAgent("agent-1")
	require.Len(t, owned, 5)

	for _, id := range ids {
		r.Close(id)
	}
	require.Empty(t, r.ListByAgent("agent-1"))
}

func Test_concurrent_open_close_no_race(t *testing.T) {
	r := New(0, newFakeAgents("agent-1"))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tun, err := r.Open("agent-1", "conn-1", protocol.TunnelSSH, false)
			if err != nil {
				return
			}
			r.Close(tun.ID)
		}()
	}
	wg.Wait()
	require.Equal(t, 0, r.Len())
}
