package hub

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memorySink records every frame written to it and can be told to fail.
type memorySink struct {
	mu         sync.Mutex
	frames     [][]byte
	failWrites bool
	closed     bool
	closeCalls int
}

func (m *memorySink) Write(p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites || m.closed {
		return errors.New("sink dead")
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	m.frames = append(m.frames, cp)
	return nil
}

func (m *memorySink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *memorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.closeCalls++
	return nil
}

func (m *memorySink) framesCopy() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.frames))
	copy(out, m.frames)
	return out
}

func (m *memorySink) fail() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = true
}

// events extracts the event names the sink received, in order.
func (m *memorySink) events() []string {
	var events []string
	for _, f := range m.framesCopy() {
		for _, line := range strings.Split(string(f), "\n") {
			if name, ok := strings.CutPrefix(line, "event: "); ok {
				events = append(events, name)
			}
		}
	}
	return events
}

// payloads decodes the data line of every non-comment frame.
func (m *memorySink) payloads(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, f := range m.framesCopy() {
		for _, line := range strings.Split(string(f), "\n") {
			data, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue
			}
			var payload map[string]any
			require.NoError(t, json.Unmarshal([]byte(data), &payload))
			out = append(out, payload)
		}
	}
	return out
}

func testHub(t *testing.T) (*Hub, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	h := New(clock)
	t.Cleanup(func() { h.Stop() })
	return h, clock
}

// waitFor polls until the condition holds. Drain tasks execute on the
// actor's ticker, so effects of an Advance land asynchronously.
func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func TestHub_RegisterAssignsMonotonicIDs(t *testing.T) {
	h, _ := testHub(t)

	id1 := h.Register(&memorySink{}, ConnectionInfo{TabID: "t1"})
	id2 := h.Register(&memorySink{}, ConnectionInfo{TabID: "t2"})
	id3 := h.Register(&memorySink{}, ConnectionInfo{})

	assert.Equal(t, int64(1), id1)
	assert.Equal(t, int64(2), id2)
	assert.Equal(t, int64(3), id3)

	// Ids are never reused, even after unregistration.
	require.True(t, h.Unregister(id2))
	id4 := h.Register(&memorySink{}, ConnectionInfo{})
	assert.Equal(t, int64(4), id4)
}

func TestHub_UnregisterIsIdempotent(t *testing.T) {
	h, _ := testHub(t)

	id := h.Register(&memorySink{}, ConnectionInfo{TabID: "t1"})

	assert.True(t, h.Unregister(id))
	assert.False(t, h.Unregister(id))
	assert.False(t, h.Unregister(id))
	assert.False(t, h.Unregister(9999))
}

func TestHub_BroadcastAll(t *testing.T) {
	h, _ := testHub(t)

	sinks := []*memorySink{{}, {}, {}}
	for _, s := range sinks {
		h.Register(s, ConnectionInfo{})
	}

	h.BroadcastAll("new_comment", map[string]string{"commentId": "abc"})
	h.Snapshot() // barrier: commands are processed in order

	for _, s := range sinks {
		require.Equal(t, []string{"new_comment"}, s.events())
	}
}

func TestHub_BroadcastAll_FailingSinksAreRemoved(t *testing.T) {
	h, _ := testHub(t)

	good1 := &memorySink{}
	bad := &memorySink{failWrites: true}
	good2 := &memorySink{}
	h.Register(good1, ConnectionInfo{})
	badID := h.Register(bad, ConnectionInfo{})
	h.Register(good2, ConnectionInfo{})

	h.BroadcastAll("chapter_unlocked", map[string]string{"chapterId": "ch-1"})

	snapshot := h.Snapshot()
	assert.Len(t, snapshot, 2)
	assert.Equal(t, []string{"chapter_unlocked"}, good1.events())
	assert.Equal(t, []string{"chapter_unlocked"}, good2.events())
	assert.Empty(t, bad.events())

	// The failed connection was already unregistered by the broadcast.
	assert.False(t, h.Unregister(badID))
}

func TestHub_BroadcastAll_ZeroConnectionsIsNoOp(t *testing.T) {
	h, _ := testHub(t)

	assert.NotPanics(t, func() {
		h.BroadcastAll("new_comment", map[string]string{"commentId": "abc"})
	})
	assert.Empty(t, h.Snapshot())
}

func TestHub_BroadcastToUser_FiltersByUser(t *testing.T) {
	h, _ := testHub(t)

	alice1 := &memorySink{}
	alice2 := &memorySink{}
	bob := &memorySink{}
	anon := &memorySink{}
	h.Register(alice1, ConnectionInfo{UserID: "alice"})
	h.Register(alice2, ConnectionInfo{UserID: "alice"})
	h.Register(bob, ConnectionInfo{UserID: "bob"})
	h.Register(anon, ConnectionInfo{})

	h.BroadcastToUser("balance_changed", map[string]int{"balance": 42}, "alice")
	h.Snapshot()

	assert.Equal(t, []string{"balance_changed"}, alice1.events())
	assert.Equal(t, []string{"balance_changed"}, alice2.events())
	assert.Empty(t, bob.events())
	assert.Empty(t, anon.events())
}

func TestHub_BroadcastToUser_NoMatchesIsNoOp(t *testing.T) {
	h, _ := testHub(t)

	s := &memorySink{}
	h.Register(s, ConnectionInfo{UserID: "alice"})

	h.BroadcastToUser("balance_changed", map[string]int{"balance": 1}, "nobody")
	h.Snapshot()

	assert.Empty(t, s.events())
	assert.Len(t, h.Snapshot(), 1)
}

func TestHub_BroadcastRoundTrip(t *testing.T) {
	h, _ := testHub(t)

	s := &memorySink{}
	h.Register(s, ConnectionInfo{UserID: "alice"})

	original := map[string]any{
		"commentId": "abc",
		"depth":     float64(3),
		"pinned":    true,
		"tags":      []any{"spoiler", "reply"},
	}
	h.BroadcastAll("new_comment", original)
	h.BroadcastToUser("new_comment", original, "alice")
	h.Snapshot()

	payloads := s.payloads(t)
	require.Len(t, payloads, 2)
	assert.Equal(t, original, payloads[0])
	assert.Equal(t, original, payloads[1])
}

func TestHub_SendToConnection(t *testing.T) {
	h, _ := testHub(t)

	s1 := &memorySink{}
	s2 := &memorySink{}
	id1 := h.Register(s1, ConnectionInfo{})
	h.Register(s2, ConnectionInfo{})

	h.SendToConnection(id1, "notification", map[string]string{"kind": "reply"})
	h.Snapshot()

	assert.Equal(t, []string{"notification"}, s1.events())
	assert.Empty(t, s2.events())
}

func TestHub_SendToConnection_UnknownIDIsNoOp(t *testing.T) {
	h, _ := testHub(t)

	assert.NotPanics(t, func() {
		h.SendToConnection(12345, "notification", map[string]string{"kind": "reply"})
	})
	h.Snapshot()
}

func TestHub_SendToConnection_FailureUnregisters(t *testing.T) {
	h, _ := testHub(t)

	bad := &memorySink{failWrites: true}
	id := h.Register(bad, ConnectionInfo{})

	h.SendToConnection(id, "notification", map[string]string{"kind": "reply"})

	assert.Empty(t, h.Snapshot())
	assert.False(t, h.Unregister(id))
}

func TestHub_DuplicateTabs(t *testing.T) {
	h, _ := testHub(t)

	h.Register(&memorySink{}, ConnectionInfo{TabID: "t1"})
	h.Register(&memorySink{}, ConnectionInfo{TabID: "t1"})
	h.Register(&memorySink{}, ConnectionInfo{TabID: "t2"})
	h.Register(&memorySink{}, ConnectionInfo{}) // no tab, never counted

	assert.ElementsMatch(t, []string{"t1"}, h.DuplicateTabs())
}

func TestHub_SnapshotReflectsInfo(t *testing.T) {
	h, clock := testHub(t)

	h.Register(&memorySink{}, ConnectionInfo{
		RemoteAddr: "10.0.0.1",
		TabID:      "t1",
		UserID:     "alice",
		SessionID:  "s1",
		Origin:     "https://example.com",
	})
	clock.Advance(10 * time.Second)

	snapshot := h.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "10.0.0.1", snapshot[0].RemoteAddr)
	assert.Equal(t, "t1", snapshot[0].TabID)
	assert.Equal(t, "alice", snapshot[0].UserID)
	assert.Equal(t, "s1", snapshot[0].SessionID)
	assert.Equal(t, "https://example.com", snapshot[0].Origin)
	assert.InDelta(t, 10.0, snapshot[0].AgeSeconds, 0.001)
}

func TestHub_StopClosesAllSinks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := New(clock)

	s1 := &memorySink{}
	s2 := &memorySink{}
	h.Register(s1, ConnectionInfo{})
	h.Register(s2, ConnectionInfo{})

	h.Stop()

	assert.True(t, s1.Closed())
	assert.True(t, s2.Closed())
}

func TestHub_TabActivityJournalsLifecycle(t *testing.T) {
	h, _ := testHub(t)

	id := h.Register(&memorySink{}, ConnectionInfo{TabID: "t1"})
	require.True(t, h.Unregister(id))

	entries := h.TabActivity("t1")
	require.Len(t, entries, 2)
	assert.Equal(t, EntryConnected, entries[0].Kind)
	assert.Equal(t, EntryDisconnected, entries[1].Kind)
	assert.Equal(t, id, entries[0].ConnectionID)

	stats := h.TabStats("t1")
	assert.Equal(t, 1, stats.Connects)
	assert.Equal(t, 1, stats.Disconnects)
}
