// Package db persists sort task outcomes in sqlite. The sorting core keeps no
// state of its own; this store is an optional OutcomeSink for operators.
package db

import (
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/sortbot/internal/orchestrator"
)

type DB struct {
	*sql.DB
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
}

// OpenDB opens the database at path and applies connection pragmas without
// touching the schema.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return &DB{sqlDB}, nil
}

// NewDB opens the database at path and migrates it to the latest schema.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(MigrationsFS()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*1e9)).UTC()
}

// StartRun records the start of a sorting run and the configuration it runs
// with.
func (db *DB) StartRun(ctx context.Context, runID string, startedAt time.Time, cfg any) error {
	var cfgJSON []byte
	if cfg != nil {
		var err error
		if cfgJSON, err = json.Marshal(cfg); err != nil {
			return fmt.Errorf("failed to encode run config: %w", err)
		}
	}
	_, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sort_runs (run_id, started_unix, config_json) VALUES (?, ?, ?)`,
		runID, unixSeconds(startedAt), string(cfgJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", runID, err)
	}
	return nil
}

// RecordOutcome stores a terminal task report. It implements
// orchestrator.OutcomeSink.
func (db *DB) RecordOutcome(ctx context.Context, r orchestrator.TaskReport) error {
	history, err := json.Marshal(r.History)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	var ended sql.NullFloat64
	if !r.EndedAt.IsZero() {
		ended = sql.NullFloat64{Float64: unixSeconds(r.EndedAt), Valid: true}
	}
	_, err = db.ExecContext(ctx,
		`INSERT OR REPLACE INTO task_outcomes (
			task_id, run_id, track_id, label, confidence, zone_id, state,
			cause, error, grasp_attempts, started_unix, ended_unix,
			duration_ms, history_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TaskID, r.RunID, r.TrackID, r.Label, r.Confidence, r.ZoneID, string(r.State),
		r.Cause, r.Error, r.GraspAttempts, unixSeconds(r.StartedAt), ended,
		r.Duration.Milliseconds(), string(history),
	)
	if err != nil {
		return fmt.Errorf("failed to insert outcome %s: %w", r.TaskID, err)
	}
	return nil
}

// RecentOutcomes returns up to limit outcomes, newest first.
func (db *DB) RecentOutcomes(ctx context.Context, limit int) ([]orchestrator.TaskReport, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT task_id, run_id, track_id, label, confidence, zone_id, state,
			cause, error, grasp_attempts, started_unix, ended_unix,
			duration_ms, history_json
		FROM task_outcomes
		ORDER BY started_unix DESC, task_id
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orchestrator.TaskReport
	for rows.Next() {
		var (
			r          orchestrator.TaskReport
			state      string
			cause      sql.NullString
			errText    sql.NullString
			started    float64
			ended      sql.NullFloat64
			durationMs sql.NullInt64
			history    sql.NullString
		)
		if err := rows.Scan(
			&r.TaskID, &r.RunID, &r.TrackID, &r.Label, &r.Confidence, &r.ZoneID, &state,
			&cause, &errText, &r.GraspAttempts, &started, &ended,
			&durationMs, &history,
		); err != nil {
			return nil, err
		}
		r.State = orchestrator.TaskState(state)
		r.Cause = cause.String
		r.Error = errText.String
		r.StartedAt = fromUnixSeconds(started)
		if ended.Valid {
			r.EndedAt = fromUnixSeconds(ended.Float64)
		}
		r.Duration = time.Duration(durationMs.Int64) * time.Millisecond
		if history.Valid && history.String != "" {
			if err := json.Unmarshal([]byte(history.String), &r.History); err != nil {
				return nil, fmt.Errorf("failed to decode history for %s: %w", r.TaskID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ZoneSummary is the persisted outcome count for one zone.
type ZoneSummary struct {
	ZoneID    string `json:"zone_id"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// Summary counts outcomes per zone. An empty runID covers all runs.
func (db *DB) Summary(ctx context.Context, runID string) ([]ZoneSummary, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT zone_id,
			SUM(CASE WHEN state = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN state = ? THEN 1 ELSE 0 END)
		FROM task_outcomes
		WHERE (? = '' OR run_id = ?)
		GROUP BY zone_id
		ORDER BY zone_id`,
		string(orchestrator.TaskCompleted), string(orchestrator.TaskFailed), runID, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ZoneSummary
	for rows.Next() {
		var s ZoneSummary
		if err := rows.Scan(&s.ZoneID, &s.Succeeded, &s.Failed); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// AttachAdminRoutes mounts tailsql and a backup download under /debug/.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://sortbot.db", db.DB, &tailsql.DBOptions{
		Label: "Sort outcomes",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dir, err := os.MkdirTemp("", "sortbot-backup-")
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup dir: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			if err := os.RemoveAll(dir); err != nil {
				log.Printf("Failed to remove backup dir: %v", err)
			}
		}()

		name := fmt.Sprintf("backup-%d.db", time.Now().Unix())
		backupPath := filepath.Join(dir, name)
		if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer backupFile.Close()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
		w.Header().Set("Content-Type", "application/gzip")
		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			log.Printf("Failed to write backup: %v", err)
		}
	}))
}
