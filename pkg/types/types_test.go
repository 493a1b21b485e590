package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPeerOnline(t *testing.T) {
	now := time.Now()
	fresh := &Peer{LastSeen: now.Add(-10 * time.Second)}
	stale := &Peer{LastSeen: now.Add(-time.Hour)}

	assert.True(t, fresh.Online(now, time.Minute))
	assert.False(t, stale.Online(now, time.Minute))
}

func TestMessageLeasedAndAbandoned(t *testing.T) {
	now := time.Now()
	m := &Message{State: StateInflight, LeaseOwner: "001", LeaseUntil: now.Add(time.Second)}
	assert.True(t, m.Leased(now))
	assert.False(t, m.Abandoned(now))

	m.LeaseUntil = now.Add(-time.Second)
	assert.False(t, m.Leased(now))
	assert.True(t, m.Abandoned(now))
}

func TestMessageQueuedIsNeverLeasedOrAbandoned(t *testing.T) {
	now := time.Now()
	m := &Message{State: StateQueued}
	assert.False(t, m.Leased(now))
	assert.False(t, m.Abandoned(now))
}
