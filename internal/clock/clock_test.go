package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSystemNowIsUTC(t *testing.T) {
	now := System{}.Now()
	assert.Equal(t, time.UTC, now.Location())
}

func TestFrozenNowDoesNotAdvanceOnItsOwn(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.FixedZone("test", 3600))
	f := NewFrozen(base)

	first := f.Now()
	time.Sleep(time.Millisecond)
	assert.Equal(t, first, f.Now())
	assert.Equal(t, time.UTC, f.Now().Location(), "NewFrozen normalizes to UTC")
}

func TestFrozenAdvance(t *testing.T) {
	f := NewFrozen(time.Unix(1000, 0))
	f.Advance(5 * time.Second)
	assert.Equal(t, time.Unix(1005, 0).UTC(), f.Now())
}

var (
	_ Clock = System{}
	_ Clock = &Frozen{}
)
