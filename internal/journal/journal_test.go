package journal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/riskrun/internal/breaker"
	"github.com/sawpanic/riskrun/internal/domain/zone"
	"github.com/sawpanic/riskrun/internal/gatekeeper"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal_DecisionRoundTrip(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Decision(ctx, gatekeeper.Decision{
		Approved:      true,
		AgentID:       "a",
		Zone:          zone.Z3,
		Size:          800,
		KellyFraction: 0.08,
		Timestamp:     time.Now().UTC(),
	}))
	require.NoError(t, j.Decision(ctx, gatekeeper.Decision{
		AgentID:   "b",
		Reason:    gatekeeper.RejectNoEdge,
		Detail:    "no positive edge",
		Timestamp: time.Now().UTC(),
	}))

	rows, err := j.RecentDecisions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Newest first by ULID.
	assert.Equal(t, "b", rows[0].AgentID)
	assert.Equal(t, "no_edge", rows[0].Reason)
	assert.Equal(t, 0, rows[0].Approved)

	assert.Equal(t, "a", rows[1].AgentID)
	assert.Equal(t, 1, rows[1].Approved)
	assert.Equal(t, "Z3", rows[1].Zone)
	assert.InDelta(t, 800, rows[1].Size, 1e-9)
}

func TestJournal_Outcome(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Outcome(ctx, breaker.Outcome{
		OutcomeID: "o-1",
		AgentID:   "a",
		PnL:       -12.5,
		Timestamp: time.Now(),
	}))

	var count int
	require.NoError(t, j.db.Get(&count, "SELECT COUNT(*) FROM outcomes"))
	assert.Equal(t, 1, count)
}

func TestOpen_BadDSN(t *testing.T) {
	_, err := Open("sqlite3", "/no/such/dir/journal.db")
	assert.Error(t, err)
}
