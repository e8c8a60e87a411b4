// Package postgres archives slashing events and committed certificates.
// The archive is a sink, never a consensus dependency: a slow or down
// database cannot stall a round.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/types"
	"github.com/happybigmtn/bitchat-rust-sub006/pkg/utils"
)

const schema = `
CREATE TABLE IF NOT EXISTS slashing_events (
	id          BIGSERIAL PRIMARY KEY,
	node_id     BYTEA       NOT NULL,
	reason      TEXT        NOT NULL,
	penalty     BIGINT      NOT NULL,
	evidence    BYTEA,
	occurred_at TIMESTAMPTZ NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS slashing_events_node_idx ON slashing_events (node_id);

CREATE TABLE IF NOT EXISTS committed_certificates (
	sequence    BIGINT      PRIMARY KEY,
	batch_hash  BYTEA       NOT NULL,
	certificate BYTEA       NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Store wraps the archive database.
type Store struct {
	db  *sql.DB
	log *utils.Logger
}

// Open connects, pings and ensures the schema.
func Open(ctx context.Context, dsn string, log *utils.Logger) (*Store, error) {
	if log == nil {
		log = utils.NewNopLogger()
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: schema: %w", err)
	}
	return &Store{db: db, log: log.WithFields(utils.ZapString("component", "archive"))}, nil
}

// OnSlash implements types.SlashingSink. Failures are logged; the consensus
// path never sees them.
func (s *Store) OnSlash(ctx context.Context, event types.SlashingEvent) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO slashing_events (node_id, reason, penalty, evidence, occurred_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		event.Node[:],
		event.Reason.String(),
		int64(event.Penalty),
		event.Evidence,
		time.UnixMilli(int64(event.Timestamp)).UTC(),
	)
	if err != nil {
		s.log.ErrorContext(ctx, "archive slashing event failed",
			utils.ZapString("node", event.Node.Short()),
			utils.ZapError(err),
		)
	}
}

// OnCommit implements types.CommitSink.
func (s *Store) OnCommit(ctx context.Context, sequence uint64, batchHash types.Hash32, qcData []byte) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO committed_certificates (sequence, batch_hash, certificate)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (sequence) DO NOTHING`,
		int64(sequence),
		batchHash[:],
		qcData,
	)
	if err != nil {
		s.log.ErrorContext(ctx, "archive certificate failed",
			utils.ZapUint64("sequence", sequence),
			utils.ZapError(err),
		)
	}
}

// Certificate fetches an archived certificate by sequence.
func (s *Store) Certificate(ctx context.Context, sequence uint64) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT certificate FROM committed_certificates WHERE sequence = $1`,
		int64(sequence),
	).Scan(&data)
	if err != nil {
		return nil, fmt.Errorf("postgres: certificate %d: %w", sequence, err)
	}
	return data, nil
}

// SlashingEvents returns the archived events for a node, oldest first.
func (s *Store) SlashingEvents(ctx context.Context, node types.NodeID) ([]types.SlashingEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT reason, penalty, evidence, occurred_at
		 FROM slashing_events WHERE node_id = $1 ORDER BY id`,
		node[:],
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: slashing events: %w", err)
	}
	defer rows.Close()

	var out []types.SlashingEvent
	for rows.Next() {
		var reason string
		var penalty int64
		var evidence []byte
		var occurredAt time.Time
		if err := rows.Scan(&reason, &penalty, &evidence, &occurredAt); err != nil {
			return nil, fmt.Errorf("postgres: scan slashing event: %w", err)
		}
		out = append(out, types.SlashingEvent{
			Node:      node,
			Reason:    parseReason(reason),
			Penalty:   uint64(penalty),
			Evidence:  evidence,
			Timestamp: uint64(occurredAt.UnixMilli()),
		})
	}
	return out, rows.Err()
}

func parseReason(s string) types.SlashReason {
	for _, r := range []types.SlashReason{
		types.SlashEquivocation,
		types.SlashInvalidProposal,
		types.SlashInvalidVote,
		types.SlashInactivity,
		types.SlashCollusion,
	} {
		if r.String() == s {
			return r
		}
	}
	return 0
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }
