package pipeline

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// AuditLog records what happened to every link of a run in sqlite, so
// failed and skipped listings can be inspected after the fact. All
// methods tolerate a nil receiver, auditing is optional. Write failures
// are logged and swallowed, the audit trail never stops a run.
type AuditLog struct {
	db *sql.DB
}

func NewAuditLog(db *sql.DB) *AuditLog {
	return &AuditLog{db: db}
}

// BeginRun opens a run row and returns its id, or 0 when auditing is
// disabled or the insert failed.
func (a *AuditLog) BeginRun(ctx context.Context, goal string) int64 {
	if a == nil || a.db == nil {
		return 0
	}
	res, err := a.db.ExecContext(
		ctx,
		`INSERT INTO runs (goal, started_at) VALUES (?, ?)`,
		goal,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		slog.WarnContext(ctx, "could not record run start", "err", err)
		return 0
	}
	id, err := res.LastInsertId()
	if err != nil {
		slog.WarnContext(ctx, "could not read run id", "err", err)
		return 0
	}
	return id
}

func (a *AuditLog) RecordEvent(
	ctx context.Context,
	runId int64,
	url string,
	stage string,
	detail string,
	duration time.Duration,
) {
	if a == nil || a.db == nil || runId == 0 {
		return
	}
	_, err := a.db.ExecContext(
		ctx,
		`INSERT INTO link_events (run_id, url, stage, detail, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		runId,
		url,
		stage,
		detail,
		duration.Milliseconds(),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		slog.WarnContext(ctx, "could not record link event", "url", url, "err", err)
	}
}

func (a *AuditLog) FinishRun(ctx context.Context, runId int64, stored, skipped, failed int) {
	if a == nil || a.db == nil || runId == 0 {
		return
	}
	_, err := a.db.ExecContext(
		ctx,
		`UPDATE runs SET finished_at = ?, stored = ?, skipped = ?, failed = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339),
		stored,
		skipped,
		failed,
		runId,
	)
	if err != nil {
		slog.WarnContext(ctx, "could not record run finish", "err", err)
	}
}
