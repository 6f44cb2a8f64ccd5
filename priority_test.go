package mediacache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPriorityOrdering(t *testing.T) {
	require.True(t, PriorityLow < PriorityMedium)
	require.True(t, PriorityMedium < PriorityHigh)
	require.True(t, PriorityHigh < PriorityUrgent)
}

func TestPriorityLower(t *testing.T) {
	require.Equal(t, PriorityHigh, PriorityUrgent.Lower())
	require.Equal(t, PriorityMedium, PriorityHigh.Lower())
	require.Equal(t, PriorityLow, PriorityMedium.Lower())
	require.Equal(t, PriorityLow, PriorityLow.Lower())
}

func TestParsePriority(t *testing.T) {
	for _, name := range []string{"low", "medium", "high", "urgent"} {
		p, err := ParsePriority(name)
		require.NoError(t, err)
		require.Equal(t, name, p.String())
		require.True(t, p.Valid())
	}

	_, err := ParsePriority("extreme")
	require.Error(t, err)
}

func TestPriorityTextRoundTrip(t *testing.T) {
	text, err := PriorityUrgent.MarshalText()
	require.NoError(t, err)

	var p Priority
	require.NoError(t, p.UnmarshalText(text))
	require.Equal(t, PriorityUrgent, p)

	require.Error(t, p.UnmarshalText([]byte("bogus")))
}

func TestAnalyticsHitRate(t *testing.T) {
	a := NewAnalytics()
	require.Equal(t, 0.0, a.HitRate())

	a.RecordHit()
	a.RecordHit()
	a.RecordHit()
	a.RecordMiss()

	require.Equal(t, int64(3), a.Hits())
	require.Equal(t, int64(1), a.Misses())
	require.InDelta(t, 0.75, a.HitRate(), 1e-9)

	a.RecordEviction(2)
	require.Equal(t, int64(2), a.Evictions())
}
