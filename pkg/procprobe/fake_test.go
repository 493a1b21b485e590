package procprobe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFakeDefaultsToAlive(t *testing.T) {
	f := NewFake()
	assert.Equal(t, Alive, f.Probe(123))
}

func TestFakeKillMarksDead(t *testing.T) {
	f := NewFake()
	f.Kill(123)
	assert.Equal(t, Dead, f.Probe(123))
	assert.Equal(t, Alive, f.Probe(456))
}

func TestIsAliveFoldsUnknownToTrue(t *testing.T) {
	f := NewFake()
	f.States[1] = Unknown
	assert.True(t, IsAlive(f, 1))

	f.Kill(2)
	assert.False(t, IsAlive(f, 2))
}
