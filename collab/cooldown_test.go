package collab

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCooldownMonotonicity(t *testing.T) {
	store := NewMemoryStore()
	gate := NewCooldownGate(store)

	assert.Equal(t, true, gate.CanEdit())
	assert.Equal(t, time.Duration(0), gate.Remaining())

	gate.StartCooldown(100 * time.Millisecond)
	assert.Equal(t, false, gate.CanEdit())
	assert.Equal(t, true, 0 < gate.Remaining())

	waitFor(t, 1*time.Second, gate.CanEdit)
	assert.Equal(t, true, gate.CanEdit())
	assert.Equal(t, time.Duration(0), gate.Remaining())
}

func TestCooldownSurvivesRestart(t *testing.T) {
	store := NewMemoryStore()

	gate := NewCooldownGate(store)
	gate.StartCooldown(1 * time.Hour)
	assert.Equal(t, false, gate.CanEdit())

	// a fresh gate over the same store still enforces the window
	restartedGate := NewCooldownGate(store)
	assert.Equal(t, false, restartedGate.CanEdit())
}

func TestCooldownExpiredWindowCleanedUp(t *testing.T) {
	store := NewMemoryStore()
	store.SetCooldownEnd(time.Now().Add(-1 * time.Minute))

	gate := NewCooldownGate(store)
	assert.Equal(t, true, gate.CanEdit())

	// the stale window was removed from the store
	end, err := store.CooldownEnd()
	assert.Equal(t, nil, err)
	assert.Equal(t, true, end.IsZero())
}

func TestCooldownClear(t *testing.T) {
	store := NewMemoryStore()
	gate := NewCooldownGate(store)

	gate.StartCooldown(1 * time.Hour)
	assert.Equal(t, false, gate.CanEdit())

	gate.Clear()
	assert.Equal(t, true, gate.CanEdit())
	assert.Equal(t, true, NewCooldownGate(store).CanEdit())
}
