// Package journal keeps the durable audit trail of decisions and outcomes.
// The trail is advisory: the engine's correctness never depends on it, so a
// failed write is logged and skipped rather than failing the trade path.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/sawpanic/riskrun/internal/breaker"
	"github.com/sawpanic/riskrun/internal/gatekeeper"
)

const schema = `
CREATE TABLE IF NOT EXISTS decisions (
	id           TEXT PRIMARY KEY,
	agent_id     TEXT NOT NULL,
	approved     INTEGER NOT NULL,
	zone         TEXT,
	size         REAL,
	kelly_fraction REAL,
	reason       TEXT,
	detail       TEXT,
	decided_at   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS outcomes (
	id           TEXT PRIMARY KEY,
	outcome_id   TEXT NOT NULL,
	agent_id     TEXT NOT NULL,
	pnl          REAL NOT NULL,
	happened_at  TEXT NOT NULL,
	recorded_at  TEXT NOT NULL
);
`

// Journal writes the audit trail through database/sql via sqlx. The driver
// is either sqlite3 (single-node deployments) or postgres.
type Journal struct {
	db *sqlx.DB
}

var _ gatekeeper.Auditor = (*Journal)(nil)

// Open connects, creates the schema if missing, and pings the backend so a
// bad DSN surfaces at startup.
func Open(driver, dsn string) (*Journal, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: connect %s: %w", driver, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: create schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Decision(ctx context.Context, d gatekeeper.Decision) error {
	approved := 0
	if d.Approved {
		approved = 1
	}
	zone := ""
	if d.Zone != 0 {
		zone = d.Zone.String()
	}
	query := j.db.Rebind(`
		INSERT INTO decisions
		(id, agent_id, approved, zone, size, kelly_fraction, reason, detail, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := j.db.ExecContext(ctx, query,
		ulid.Make().String(), d.AgentID, approved, zone, d.Size, d.KellyFraction,
		string(d.Reason), d.Detail, d.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (j *Journal) Outcome(ctx context.Context, o breaker.Outcome) error {
	query := j.db.Rebind(`
		INSERT INTO outcomes
		(id, outcome_id, agent_id, pnl, happened_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := j.db.ExecContext(ctx, query,
		ulid.Make().String(), o.OutcomeID, o.AgentID, o.PnL,
		o.Timestamp.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// RecentDecisions returns the newest n audit rows, ULID order doubling as
// time order.
func (j *Journal) RecentDecisions(ctx context.Context, n int) ([]DecisionRow, error) {
	query := j.db.Rebind(`
		SELECT id, agent_id, approved, zone, size, kelly_fraction, reason, detail, decided_at
		FROM decisions ORDER BY id DESC LIMIT ?`)
	var rows []DecisionRow
	if err := j.db.SelectContext(ctx, &rows, query, n); err != nil {
		return nil, fmt.Errorf("journal: recent decisions: %w", err)
	}
	return rows, nil
}

// DecisionRow is the flattened audit record.
type DecisionRow struct {
	ID            string  `db:"id"`
	AgentID       string  `db:"agent_id"`
	Approved      int     `db:"approved"`
	Zone          string  `db:"zone"`
	Size          float64 `db:"size"`
	KellyFraction float64 `db:"kelly_fraction"`
	Reason        string  `db:"reason"`
	Detail        string  `db:"detail"`
	DecidedAt     string  `db:"decided_at"`
}

func (j *Journal) Close() error {
	return j.db.Close()
}
