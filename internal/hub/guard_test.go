package hub

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestGuard_BlocksAtThreshold(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := newGuard(clock)

	assert.False(t, g.recordIgnored("t1"))
	assert.False(t, g.recordIgnored("t1"))
	assert.False(t, g.isBlocked("t1"))

	assert.True(t, g.recordIgnored("t1"))
	assert.True(t, g.isBlocked("t1"))
}

func TestGuard_BlockIsTimeBoxed(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := newGuard(clock)

	for i := 0; i < 3; i++ {
		g.recordIgnored("t1")
	}
	assert.True(t, g.isBlocked("t1"))

	clock.Advance(59 * time.Second)
	assert.True(t, g.isBlocked("t1"))

	clock.Advance(time.Second)
	assert.False(t, g.isBlocked("t1"))

	// The record self-expired: the tab starts over from a clean slate.
	assert.Empty(t, g.records)
	assert.False(t, g.recordIgnored("t1"))
	assert.False(t, g.recordIgnored("t1"))
	assert.False(t, g.isBlocked("t1"))
}

func TestGuard_CounterResetsAfterBlock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := newGuard(clock)

	for i := 0; i < 3; i++ {
		g.recordIgnored("t1")
	}

	// While blocked, further ignored signals count toward the next block.
	assert.False(t, g.recordIgnored("t1"))
	assert.False(t, g.recordIgnored("t1"))
	assert.True(t, g.recordIgnored("t1"))
}

func TestGuard_TabsAreIndependent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := newGuard(clock)

	for i := 0; i < 3; i++ {
		g.recordIgnored("t1")
	}
	assert.True(t, g.isBlocked("t1"))
	assert.False(t, g.isBlocked("t2"))
}

func TestGuard_FlagDeduplication(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := newGuard(clock)

	connect := clock.Now()
	assert.False(t, g.alreadyFlagged("t1", connect))

	g.markFlagged("t1", connect)
	assert.True(t, g.alreadyFlagged("t1", connect))

	later := connect.Add(time.Second)
	assert.False(t, g.alreadyFlagged("t1", later))
}
