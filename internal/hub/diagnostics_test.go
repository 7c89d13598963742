package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAnalysis_Empty(t *testing.T) {
	h, _ := testHub(t)
	assert.Equal(t, ConnectionAnalysis{}, h.Analysis())
}

func TestAnalysis_UniqueCountsAndAges(t *testing.T) {
	h, clock := testHub(t)

	h.Register(&memorySink{}, ConnectionInfo{
		TabID: "t1", SessionID: "s1", UserID: "alice", Origin: "https://a.example",
	})
	clock.Advance(10 * time.Second)
	h.Register(&memorySink{}, ConnectionInfo{
		TabID: "t2", SessionID: "s1", UserID: "alice", Origin: "https://b.example",
	})
	clock.Advance(10 * time.Second)
	h.Register(&memorySink{}, ConnectionInfo{
		TabID: "t3", SessionID: "s2", UserID: "bob",
	})

	a := h.Analysis()
	assert.Equal(t, 3, a.Total)
	assert.Equal(t, 3, a.UniqueTabs)
	assert.Equal(t, 2, a.UniqueSessions)
	assert.Equal(t, 2, a.UniqueUsers)
	assert.Equal(t, 2, a.UniqueOrigins)
	assert.InDelta(t, 20.0, a.OldestAgeSeconds, 0.001)
	assert.InDelta(t, 0.0, a.NewestAgeSeconds, 0.001)
	assert.InDelta(t, 10.0, a.AverageAgeSeconds, 0.001)
}

func TestAnalysis_NeverMutatesState(t *testing.T) {
	h, _ := testHub(t)

	h.Register(&memorySink{}, ConnectionInfo{TabID: "t1"})
	h.Register(&memorySink{}, ConnectionInfo{TabID: "t1"})

	before := len(h.Snapshot())
	h.Analysis()
	h.Analysis()
	assert.Equal(t, before, len(h.Snapshot()))
	assert.ElementsMatch(t, []string{"t1"}, h.DuplicateTabs())
}
