// Package archive maintains a queryable database of finished dispatches.
// The canonical record stays in the per-task dispatch files; the archive is
// a derived index fed from dispatch-completed bus events, for cost reporting
// and history queries across projects. Disabled by default.
package archive

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/collabot/collabot/internal/common/config"
	"github.com/collabot/collabot/internal/common/logger"
	"github.com/collabot/collabot/internal/db"
	"github.com/collabot/collabot/internal/db/dialect"
	"github.com/collabot/collabot/internal/events/bus"
)

// Record is one archived dispatch.
type Record struct {
	DispatchID   string    `db:"dispatch_id" json:"dispatchId"`
	Project      string    `db:"project" json:"project"`
	TaskSlug     string    `db:"task_slug" json:"taskSlug"`
	Role         string    `db:"role" json:"role"`
	Model        string    `db:"model" json:"model,omitempty"`
	Status       string    `db:"status" json:"status"`
	Reason       string    `db:"reason" json:"reason,omitempty"`
	ResultStatus string    `db:"result_status" json:"resultStatus,omitempty"`
	Summary      string    `db:"summary" json:"summary,omitempty"`
	PRURL        string    `db:"pr_url" json:"prUrl,omitempty"`
	CostUSD      float64   `db:"cost_usd" json:"costUsd"`
	DurationMS   int64     `db:"duration_ms" json:"durationMs"`
	InputTokens  int64     `db:"input_tokens" json:"inputTokens"`
	OutputTokens int64     `db:"output_tokens" json:"outputTokens"`
	CompletedAt  time.Time `db:"completed_at" json:"completedAt"`
}

// ProjectCost aggregates spend per project.
type ProjectCost struct {
	Project    string  `db:"project" json:"project"`
	Dispatches int     `db:"dispatches" json:"dispatches"`
	CostUSD    float64 `db:"cost_usd" json:"costUsd"`
}

// DailyCost aggregates spend per calendar day.
type DailyCost struct {
	Day        string  `db:"day" json:"day"`
	Dispatches int     `db:"dispatches" json:"dispatches"`
	CostUSD    float64 `db:"cost_usd" json:"costUsd"`
}

// Archive stores finished dispatches in the configured database.
type Archive struct {
	pool   *db.Pool
	sub    bus.Subscription
	logger *logger.Logger
}

// Open opens the archive per config. Returns nil when the archive is
// disabled; callers treat a nil archive as a no-op.
func Open(cfg config.ArchiveConfig, log *logger.Logger) (*Archive, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	pool, err := db.Open(cfg)
	if err != nil {
		return nil, err
	}
	return New(pool, log)
}

// New builds an archive over an open pool and ensures the schema exists.
func New(pool *db.Pool, log *logger.Logger) (*Archive, error) {
	a := &Archive{
		pool:   pool,
		logger: log.WithFields(zap.String("component", "archive")),
	}
	if err := a.initSchema(); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("failed to initialize archive schema: %w", err)
	}
	return a, nil
}

func (a *Archive) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS dispatches (
		dispatch_id TEXT PRIMARY KEY,
		project TEXT NOT NULL,
		task_slug TEXT NOT NULL,
		role TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		result_status TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		pr_url TEXT NOT NULL DEFAULT '',
		cost_usd REAL NOT NULL DEFAULT 0,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		input_tokens BIGINT NOT NULL DEFAULT 0,
		output_tokens BIGINT NOT NULL DEFAULT 0,
		completed_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dispatches_project ON dispatches(project);
	CREATE INDEX IF NOT EXISTS idx_dispatches_completed_at ON dispatches(completed_at);
	`
	_, err := a.pool.Writer().Exec(schema)
	return err
}

// Attach subscribes the archive to dispatch-completed events. Ingest
// failures are logged; the event flow is not interrupted.
func (a *Archive) Attach(eventBus bus.EventBus) error {
	sub, err := eventBus.Subscribe(bus.SubjectDispatchCompleted, func(ctx context.Context, event *bus.Event) error {
		rec := recordFromEvent(event)
		if rec.DispatchID == "" {
			return nil
		}
		if err := a.Upsert(ctx, rec); err != nil {
			a.logger.Error("failed to archive dispatch",
				zap.String("dispatch_id", rec.DispatchID), zap.Error(err))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe archive: %w", err)
	}
	a.sub = sub
	return nil
}

// Upsert records a finished dispatch, replacing any earlier row with the
// same id. Replays after a restart are therefore harmless.
func (a *Archive) Upsert(ctx context.Context, rec Record) error {
	w := a.pool.Writer()
	query := w.Rebind(`
		INSERT INTO dispatches (
			dispatch_id, project, task_slug, role, model, status, reason,
			result_status, summary, pr_url, cost_usd, duration_ms,
			input_tokens, output_tokens, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dispatch_id) DO UPDATE SET
			project = excluded.project,
			task_slug = excluded.task_slug,
			role = excluded.role,
			model = excluded.model,
			status = excluded.status,
			reason = excluded.reason,
			result_status = excluded.result_status,
			summary = excluded.summary,
			pr_url = excluded.pr_url,
			cost_usd = excluded.cost_usd,
			duration_ms = excluded.duration_ms,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			completed_at = excluded.completed_at`)
	_, err := w.ExecContext(ctx, query,
		rec.DispatchID, rec.Project, rec.TaskSlug, rec.Role, rec.Model,
		rec.Status, rec.Reason, rec.ResultStatus, rec.Summary, rec.PRURL,
		rec.CostUSD, rec.DurationMS, rec.InputTokens, rec.OutputTokens,
		rec.CompletedAt.UTC())
	return err
}

// Get returns one archived dispatch by id.
func (a *Archive) Get(ctx context.Context, dispatchID string) (*Record, error) {
	r := a.pool.Reader()
	var rec Record
	err := r.GetContext(ctx, &rec,
		r.Rebind(`SELECT * FROM dispatches WHERE dispatch_id = ?`), dispatchID)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRecent returns the latest finished dispatches, newest first.
func (a *Archive) ListRecent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	r := a.pool.Reader()
	recs := make([]Record, 0, limit)
	err := r.SelectContext(ctx, &recs,
		r.Rebind(`SELECT * FROM dispatches ORDER BY completed_at DESC, dispatch_id DESC LIMIT ?`),
		limit)
	return recs, err
}

// Search matches dispatch summaries case-insensitively.
func (a *Archive) Search(ctx context.Context, text string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	r := a.pool.Reader()
	query := fmt.Sprintf(
		`SELECT * FROM dispatches WHERE summary %s ? ORDER BY completed_at DESC LIMIT ?`,
		dialect.Like(r.DriverName()))
	recs := make([]Record, 0, limit)
	err := r.SelectContext(ctx, &recs, r.Rebind(query), "%"+text+"%", limit)
	return recs, err
}

// ProjectCosts aggregates spend and dispatch counts per project.
func (a *Archive) ProjectCosts(ctx context.Context) ([]ProjectCost, error) {
	r := a.pool.Reader()
	var costs []ProjectCost
	err := r.SelectContext(ctx, &costs, `
		SELECT project, COUNT(*) AS dispatches, COALESCE(SUM(cost_usd), 0) AS cost_usd
		FROM dispatches GROUP BY project ORDER BY cost_usd DESC`)
	return costs, err
}

// DailyCosts aggregates spend per day over the trailing window.
func (a *Archive) DailyCosts(ctx context.Context, days int) ([]DailyCost, error) {
	if days <= 0 {
		days = 30
	}
	r := a.pool.Reader()
	driver := r.DriverName()
	query := fmt.Sprintf(`
		SELECT %s AS day, COUNT(*) AS dispatches, COALESCE(SUM(cost_usd), 0) AS cost_usd
		FROM dispatches
		WHERE completed_at >= %s
		GROUP BY day ORDER BY day DESC`,
		dialect.DateOf(driver, "completed_at"),
		dialect.NowMinusDays(driver, "?"))
	var costs []DailyCost
	err := r.SelectContext(ctx, &costs, r.Rebind(query), days)
	return costs, err
}

// Prune deletes archived dispatches older than the retention window.
func (a *Archive) Prune(ctx context.Context, days int) (int64, error) {
	w := a.pool.Writer()
	query := fmt.Sprintf(`DELETE FROM dispatches WHERE completed_at < %s`,
		dialect.NowMinusDays(w.DriverName(), "?"))
	res, err := w.ExecContext(ctx, w.Rebind(query), days)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close detaches from the bus and closes the database.
func (a *Archive) Close() error {
	if a.sub != nil {
		if err := a.sub.Unsubscribe(); err != nil {
			a.logger.Warn("failed to unsubscribe archive", zap.Error(err))
		}
		a.sub = nil
	}
	return a.pool.Close()
}

// recordFromEvent maps a dispatch-completed event payload to a row. The
// payload may have round-tripped through JSON, so numbers arrive as either
// native ints or float64.
func recordFromEvent(event *bus.Event) Record {
	d := event.Data
	return Record{
		DispatchID:   asString(d["dispatchId"]),
		Project:      asString(d["project"]),
		TaskSlug:     asString(d["taskSlug"]),
		Role:         asString(d["role"]),
		Model:        asString(d["model"]),
		Status:       asString(d["status"]),
		Reason:       asString(d["reason"]),
		ResultStatus: asString(d["resultStatus"]),
		Summary:      asString(d["summary"]),
		PRURL:        asString(d["prUrl"]),
		CostUSD:      asFloat(d["costUsd"]),
		DurationMS:   asInt(d["durationMs"]),
		InputTokens:  asInt(d["inputTokens"]),
		OutputTokens: asInt(d["outputTokens"]),
		CompletedAt:  event.Timestamp,
	}
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func asInt(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
