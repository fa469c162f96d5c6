package infra

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SQLExecutor defines the contract repositories use for executing SQL queries.
type SQLExecutor interface {
	Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, query string, args ...any) pgx.Row
	Query(ctx context.Context, query string, args ...any) (pgx.Rows, error)
}

var markerRegexp = regexp.MustCompile(`^--sql [0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// SQLRunner executes marker-tagged statements on the pool. Each call gets a
// span and a debug log line keyed by the marker id, never by the SQL text.
type SQLRunner struct {
	Pool   *pgxpool.Pool
	Logger zerolog.Logger
}

func NewSQLRunner(pool *pgxpool.Pool, logger zerolog.Logger) *SQLRunner {
	return &SQLRunner{Pool: pool, Logger: logger}
}

func (r *SQLRunner) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	marker, trimmed, err := extractMarker(query)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	ctx, span := startQuerySpan(ctx, "exec", marker)
	start := time.Now()
	tag, err := r.Pool.Exec(ctx, trimmed, args...)
	r.logResult(marker, "exec", start, err)
	span.SetAttributes(attribute.Int64("db.rows_affected", tag.RowsAffected()))
	EndSpan(span, err)
	return tag, err
}

func (r *SQLRunner) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	marker, trimmed, err := extractMarker(query)
	if err != nil {
		return errorRow{err: err}
	}
	ctx, span := startQuerySpan(ctx, "query_row", marker)
	return &tracedRow{
		row:    r.Pool.QueryRow(ctx, trimmed, args...),
		runner: r,
		span:   span,
		marker: marker,
		start:  time.Now(),
	}
}

func (r *SQLRunner) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	marker, trimmed, err := extractMarker(query)
	if err != nil {
		return nil, err
	}
	ctx, span := startQuerySpan(ctx, "query", marker)
	start := time.Now()
	rows, err := r.Pool.Query(ctx, trimmed, args...)
	if err != nil {
		r.logResult(marker, "query", start, err)
		EndSpan(span, err)
		return nil, err
	}
	return &tracedRows{Rows: rows, runner: r, span: span, marker: marker, start: start}, nil
}

// logResult logs expected outcomes (no rows, duplicate keys) at debug so
// idempotent replays do not page anyone.
func (r *SQLRunner) logResult(marker, op string, start time.Time, err error) {
	var ev *zerolog.Event
	switch {
	case err == nil, IsNoRows(err), IsUniqueViolation(err):
		ev = r.Logger.Debug()
	default:
		ev = r.Logger.Error()
	}
	ev.Err(err).Str("sql_marker", marker).Str("op", op).Dur("duration", time.Since(start)).Msg("sql")
}

func startQuerySpan(ctx context.Context, op, marker string) (context.Context, trace.Span) {
	return StartSpan(ctx, "sql."+op,
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", op),
		attribute.String("db.statement_id", marker),
	)
}

type tracedRow struct {
	row    pgx.Row
	runner *SQLRunner
	span   trace.Span
	marker string
	start  time.Time
}

func (t *tracedRow) Scan(dest ...any) error {
	err := t.row.Scan(dest...)
	t.runner.logResult(t.marker, "query_row", t.start, err)
	if IsNoRows(err) {
		EndSpan(t.span, nil)
	} else {
		EndSpan(t.span, err)
	}
	return err
}

type tracedRows struct {
	pgx.Rows
	runner *SQLRunner
	span   trace.Span
	marker string
	start  time.Time
	closed bool
}

func (t *tracedRows) Close() {
	t.Rows.Close()
	if t.closed {
		return
	}
	t.closed = true
	err := t.Rows.Err()
	t.runner.logResult(t.marker, "query", t.start, err)
	EndSpan(t.span, err)
}

type errorRow struct {
	err error
}

func (e errorRow) Scan(dest ...any) error {
	return e.err
}

func extractMarker(query string) (string, string, error) {
	trimmed := strings.TrimSpace(query)
	lines := strings.Split(trimmed, "\n")
	if len(lines) == 0 {
		return "", "", errors.New("empty query")
	}
	markerLine := strings.TrimSpace(lines[0])
	if !markerRegexp.MatchString(markerLine) {
		return "", "", errors.New("sql marker missing or invalid")
	}
	return strings.TrimSpace(strings.TrimPrefix(markerLine, "--sql ")), strings.Join(lines[1:], "\n"), nil
}

// IsNoRows reports whether err is the driver's empty-result error.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ SQLExecutor = (*SQLRunner)(nil)
