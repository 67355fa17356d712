package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSystemIsUTC(t *testing.T) {
	require.Equal(t, time.UTC, NewSystem().Now().Location())
}

func TestManualAdvance(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewManual(start)
	require.Equal(t, start, m.Now())

	m.Advance(11 * time.Minute)
	require.Equal(t, start.Add(11*time.Minute), m.Now())
	require.Equal(t, start, NewFixed(start).Now())
}
