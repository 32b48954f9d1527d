package timebase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeClock_AdvanceAndSet(t *testing.T) {
	f := NewFake()
	require.Equal(t, uint64(0), f.NowUs())
	f.Advance(10 * time.Millisecond)
	require.Equal(t, uint64(10_000), f.NowUs())
	f.Set(42)
	require.Equal(t, uint64(42), f.NowUs())
}

func TestSystemClock_Monotonic(t *testing.T) {
	s := NewSystem()
	a := s.NowUs()
	time.Sleep(time.Millisecond)
	b := s.NowUs()
	require.Greater(t, b, a)
}

func TestPeriodFromHz(t *testing.T) {
	require.Equal(t, uint64(10_000), PeriodFromHz(100))
	require.Equal(t, uint64(1_000_000), PeriodFromHz(0))
}
