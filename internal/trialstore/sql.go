package trialstore

// ============================================================================
// SQL backend (sqlite3 / postgres)
// Tables: studies, trials, budget_settings. Appends and deletes run in a
// transaction that first locks the study row (FOR UPDATE on postgres; the
// single sqlite connection serializes them).
// ============================================================================

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ChuLiYu/budget-optimizer/pkg/types"
)

// Dialect is the database/sql driver name.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "pgx"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS studies (
		name            TEXT PRIMARY KEY,
		created_at      BIGINT NOT NULL,
		timeout_minutes INTEGER NOT NULL DEFAULT 0,
		max_trials      INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS trials (
		study_name      TEXT NOT NULL REFERENCES studies(name) ON DELETE CASCADE,
		number          INTEGER NOT NULL,
		state           TEXT NOT NULL,
		objective_value DOUBLE PRECISION,
		allocation      TEXT NOT NULL,
		error           TEXT NOT NULL DEFAULT '',
		started_at      BIGINT NOT NULL,
		finished_at     BIGINT NOT NULL,
		PRIMARY KEY (study_name, number)
	)`,
	`CREATE TABLE IF NOT EXISTS budget_settings (
		study_name     TEXT NOT NULL REFERENCES studies(name) ON DELETE CASCADE,
		position       INTEGER NOT NULL,
		channel        TEXT NOT NULL,
		unit           TEXT NOT NULL,
		initial_budget DOUBLE PRECISION NOT NULL,
		lower_bound    DOUBLE PRECISION NOT NULL,
		upper_bound    DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (study_name, channel)
	)`,
}

// SQLStore keeps studies in a relational database.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	log     *slog.Logger
}

// OpenSQLite opens (or creates) a sqlite database file.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open(string(DialectSQLite), dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	return newSQLStore(ctx, db, DialectSQLite, logger)
}

// OpenPostgres connects to postgres through the pgx stdlib driver.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*SQLStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres backend requires a dsn")
	}
	db, err := sql.Open(string(DialectPostgres), dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, unavailable("ping postgres", err)
	}
	return newSQLStore(ctx, db, DialectPostgres, logger)
}

func newSQLStore(ctx context.Context, db *sql.DB, dialect Dialect, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLStore{db: db, dialect: dialect, log: logger.With("component", "trialstore", "backend", string(dialect))}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}
	return s, nil
}

// DB exposes the handle for tests and maintenance tools.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the database handle.
func (s *SQLStore) Close() error { return s.db.Close() }

// rebind converts ? placeholders into the dialect's form.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// lockStudy checks the study exists inside tx, locking its row where the
// dialect supports it.
func (s *SQLStore) lockStudy(ctx context.Context, tx *sql.Tx, name string) error {
	q := `SELECT name FROM studies WHERE name = ?`
	if s.dialect == DialectPostgres {
		q += ` FOR UPDATE`
	}
	var got string
	err := tx.QueryRowContext(ctx, s.rebind(q), name).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(name)
	}
	if err != nil {
		return unavailable("lock study", err)
	}
	return nil
}

// CreateStudy inserts an empty study. The insert is the existence check,
// so concurrent creators of one name see exactly one success.
func (s *SQLStore) CreateStudy(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO studies (name, created_at) VALUES (?, ?)
		ON CONFLICT (name) DO NOTHING`),
		name, time.Now().UnixMilli())
	if err != nil {
		return unavailable("create study", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("create study", err)
	}
	if n == 0 {
		return alreadyExists(name)
	}
	s.log.Info("study created", "study", name)
	return nil
}

// HasStudy reports whether the study exists.
func (s *SQLStore) HasStudy(ctx context.Context, name string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM studies WHERE name = ?`), name).Scan(&count); err != nil {
		return false, unavailable("has study", err)
	}
	return count > 0, nil
}

// LoadStudy returns the study with its trials in sequence order.
func (s *SQLStore) LoadStudy(ctx context.Context, name string) (*types.Study, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("load study", err)
	}
	defer tx.Rollback()

	study := &types.Study{Name: name, Trials: []types.Trial{}}
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT created_at FROM studies WHERE name = ?`), name).Scan(&study.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(name)
	}
	if err != nil {
		return nil, unavailable("load study", err)
	}

	rows, err := tx.QueryContext(ctx, s.rebind(`
		SELECT number, state, objective_value, allocation, error, started_at, finished_at
		FROM trials WHERE study_name = ? ORDER BY number`), name)
	if err != nil {
		return nil, unavailable("load trials", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			t     = types.Trial{StudyName: name}
			value sql.NullFloat64
			alloc string
		)
		if err := rows.Scan(&t.Number, &t.State, &value, &alloc, &t.Error, &t.StartedAt, &t.FinishedAt); err != nil {
			return nil, unavailable("scan trial", err)
		}
		if value.Valid {
			v := value.Float64
			t.Value = &v
		}
		if err := json.Unmarshal([]byte(alloc), &t.Allocation); err != nil {
			return nil, fmt.Errorf("decode allocation of trial %d: %w", t.Number, err)
		}
		study.Trials = append(study.Trials, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("load trials", err)
	}
	return study, nil
}

// AppendTrial stores trial with the next sequence number of its study.
func (s *SQLStore) AppendTrial(ctx context.Context, trial types.Trial) (types.Trial, error) {
	alloc, err := json.Marshal(trial.Allocation)
	if err != nil {
		return types.Trial{}, fmt.Errorf("encode allocation: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Trial{}, unavailable("append trial", err)
	}
	defer tx.Rollback()

	if err := s.lockStudy(ctx, tx, trial.StudyName); err != nil {
		return types.Trial{}, err
	}
	if err := tx.QueryRowContext(ctx,
		s.rebind(`SELECT COALESCE(MAX(number), 0) + 1 FROM trials WHERE study_name = ?`),
		trial.StudyName).Scan(&trial.Number); err != nil {
		return types.Trial{}, unavailable("next trial number", err)
	}

	var value any
	if trial.Value != nil {
		value = *trial.Value
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO trials (study_name, number, state, objective_value, allocation, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		trial.StudyName, trial.Number, string(trial.State), value, string(alloc),
		trial.Error, trial.StartedAt, trial.FinishedAt); err != nil {
		return types.Trial{}, unavailable("append trial", err)
	}
	if err := tx.Commit(); err != nil {
		return types.Trial{}, unavailable("append trial", err)
	}
	return trial, nil
}

// ListStudies returns study names in order; failures degrade to an empty
// list.
func (s *SQLStore) ListStudies(ctx context.Context) []string {
	names := []string{}
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM studies ORDER BY name`)
	if err != nil {
		s.log.Warn("list studies failed", "error", err)
		return names
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			s.log.Warn("list studies failed", "error", err)
			return []string{}
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		s.log.Warn("list studies failed", "error", err)
		return []string{}
	}
	return names
}

// DeleteStudy removes the study, its trials and its settings.
func (s *SQLStore) DeleteStudy(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("delete study", err)
	}
	defer tx.Rollback()

	if err := s.lockStudy(ctx, tx, name); err != nil {
		return err
	}
	for _, q := range []string{
		`DELETE FROM trials WHERE study_name = ?`,
		`DELETE FROM budget_settings WHERE study_name = ?`,
		`DELETE FROM studies WHERE name = ?`,
	} {
		if _, err := tx.ExecContext(ctx, s.rebind(q), name); err != nil {
			return unavailable("delete study", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("delete study", err)
	}
	s.log.Info("study deleted", "study", name)
	return nil
}

// SaveSettings replaces the scenario settings of an existing study.
func (s *SQLStore) SaveSettings(ctx context.Context, settings types.ScenarioSettings) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("save settings", err)
	}
	defer tx.Rollback()

	if err := s.lockStudy(ctx, tx, settings.Name); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE studies SET timeout_minutes = ?, max_trials = ? WHERE name = ?`),
		settings.TimeoutMinutes, settings.MaxTrials, settings.Name); err != nil {
		return unavailable("save settings", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM budget_settings WHERE study_name = ?`), settings.Name); err != nil {
		return unavailable("save settings", err)
	}
	for i, row := range settings.Rows {
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO budget_settings (study_name, position, channel, unit, initial_budget, lower_bound, upper_bound)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			settings.Name, i, string(row.Channel), string(row.Unit),
			row.InitialBudget, row.LowerBound, row.UpperBound); err != nil {
			return unavailable("save settings", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("save settings", err)
	}
	return nil
}

// LoadSettings returns the settings recorded for a study.
func (s *SQLStore) LoadSettings(ctx context.Context, name string) (types.ScenarioSettings, error) {
	out := types.ScenarioSettings{Name: name}
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT timeout_minutes, max_trials FROM studies WHERE name = ?`), name).
		Scan(&out.TimeoutMinutes, &out.MaxTrials)
	if errors.Is(err, sql.ErrNoRows) {
		return out, notFound(name)
	}
	if err != nil {
		return out, unavailable("load settings", err)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT channel, unit, initial_budget, lower_bound, upper_bound
		FROM budget_settings WHERE study_name = ? ORDER BY position`), name)
	if err != nil {
		return out, unavailable("load settings", err)
	}
	defer rows.Close()

	for rows.Next() {
		row := types.ChannelSetting{StudyName: name}
		if err := rows.Scan(&row.Channel, &row.Unit, &row.InitialBudget, &row.LowerBound, &row.UpperBound); err != nil {
			return out, unavailable("scan settings", err)
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return out, unavailable("load settings", err)
	}
	if len(out.Rows) == 0 {
		return out, fmt.Errorf("%w: no settings recorded for %q", types.ErrNotFound, name)
	}
	return out, nil
}
