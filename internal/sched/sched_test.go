package sched_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bluesense-io/bluesense/internal/sched"
)

func TestCallbackFiresAtProgrammedPeriod(t *testing.T) {
	s := sched.New(1000)
	var fires int
	s.Register("every-10", 10, func(tick uint64) { fires++ })

	for i := 0; i < 35; i++ {
		s.Tick()
	}
	assert.Equal(t, 3, fires)
}

func TestDisableStopsFiringWithoutLosingSlot(t *testing.T) {
	s := sched.New(1000)
	var fires int
	h := s.Register("periodic", 5, func(tick uint64) { fires++ })

	for i := 0; i < 5; i++ {
		s.Tick()
	}
	assert.Equal(t, 1, fires)

	s.Disable(h)
	for i := 0; i < 20; i++ {
		s.Tick()
	}
	assert.Equal(t, 1, fires)

	s.Enable(h)
	for i := 0; i < 5; i++ {
		s.Tick()
	}
	assert.Equal(t, 2, fires)
}

func TestDerivedTimeCounters(t *testing.T) {
	s := sched.New(1000)
	for i := 0; i < 2500; i++ {
		s.Tick()
	}
	assert.Equal(t, uint64(2500), s.TickCount())
	assert.Equal(t, uint64(2500), s.TimeMs())
	assert.Equal(t, uint64(2), s.TimeS())
}
