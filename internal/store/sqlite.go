package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	fleeterrors "github.com/atlasfleet/atlas/internal/errors"
	"github.com/atlasfleet/atlas/internal/models"
)

// DB is the fleet server's SQLite persistence layer. One connection,
// WAL mode: SQLite performs best with a single writer, and every write
// in this process funnels through it.
type DB struct {
	db *sql.DB
}

// OpenDB opens (or creates) the fleet database and initialises the schema.
func OpenDB(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open fleet database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	d := &DB{db: db}
	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	log.Info().Str("path", path).Msg("Fleet database initialized")
	return d, nil
}

func (d *DB) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS machines (
			machine_id TEXT PRIMARY KEY,
			info TEXT NOT NULL,
			first_seen INTEGER NOT NULL,
			last_seen INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS metrics_history (
			machine_id TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			payload TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_history_machine_time
		ON metrics_history(machine_id, timestamp);

		CREATE TABLE IF NOT EXISTS speedtest_results (
			machine_id TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			download REAL NOT NULL,
			upload REAL NOT NULL,
			ping REAL NOT NULL,
			jitter REAL,
			loss REAL,
			server TEXT,
			isp TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_speedtest_machine_time
		ON speedtest_results(machine_id, timestamp);

		CREATE TABLE IF NOT EXISTS commands (
			command_id TEXT PRIMARY KEY,
			machine_id TEXT NOT NULL,
			type TEXT NOT NULL,
			args TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at INTEGER NOT NULL,
			delivered_at INTEGER,
			result TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_commands_machine_status
		ON commands(machine_id, status);

		CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			last_login INTEGER
		);

		CREATE TABLE IF NOT EXISTS sessions (
			token_hash TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_expiry
		ON sessions(expires_at);
	`
	if _, err := d.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Handle exposes the shared connection for the auth layer, which owns
// the users and sessions tables.
func (d *DB) Handle() *sql.DB { return d.db }

// Close closes the database.
func (d *DB) Close() error { return d.db.Close() }

// execRetry runs a write once and retries a single time on failure.
// SQLite under WAL rarely fails transiently, but a busy timeout can
// surface under pressure; more than one retry only hides real faults.
func (d *DB) execRetry(query string, args ...any) error {
	_, err := d.db.Exec(query, args...)
	if err == nil {
		return nil
	}
	if _, retryErr := d.db.Exec(query, args...); retryErr == nil {
		return nil
	}
	return fleeterrors.New(fleeterrors.KindTransientIO, "sqlite_exec", err)
}

// UpsertMachine writes a machine row, preserving first_seen on conflict.
func (d *DB) UpsertMachine(m *models.Machine) error {
	info, err := json.Marshal(m.Info)
	if err != nil {
		return fmt.Errorf("marshal machine info: %w", err)
	}
	return d.execRetry(`
		INSERT INTO machines (machine_id, info, first_seen, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(machine_id) DO UPDATE SET
			info = excluded.info,
			last_seen = excluded.last_seen`,
		m.MachineID, string(info), m.FirstSeen.UnixMilli(), m.LastSeen.UnixMilli())
}

// LoadMachines restores the machine registry at boot.
func (d *DB) LoadMachines() ([]*models.Machine, error) {
	rows, err := d.db.Query(`SELECT machine_id, info, first_seen, last_seen FROM machines`)
	if err != nil {
		return nil, fmt.Errorf("load machines: %w", err)
	}
	defer rows.Close()

	var machines []*models.Machine
	for rows.Next() {
		var m models.Machine
		var info string
		var firstSeen, lastSeen int64
		if err := rows.Scan(&m.MachineID, &info, &firstSeen, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan machine: %w", err)
		}
		if err := json.Unmarshal([]byte(info), &m.Info); err != nil {
			log.Warn().Err(err).Str("machineID", m.MachineID).Msg("Skipping machine with corrupt info payload")
			continue
		}
		m.FirstSeen = time.UnixMilli(firstSeen).UTC()
		m.LastSeen = time.UnixMilli(lastSeen).UTC()
		machines = append(machines, &m)
	}
	return machines, rows.Err()
}

// InsertHistory appends one metrics payload to a machine's history.
func (d *DB) InsertHistory(machineID string, ts time.Time, metrics *models.MetricReport) error {
	payload, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("marshal history payload: %w", err)
	}
	return d.execRetry(`INSERT INTO metrics_history (machine_id, timestamp, payload) VALUES (?, ?, ?)`,
		machineID, ts.UnixMilli(), string(payload))
}

// HistorySince reads a machine's history newest-last, bounded by limit.
func (d *DB) HistorySince(machineID string, since time.Time, limit int) ([]HistoryPoint, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := d.db.Query(`
		SELECT timestamp, payload FROM metrics_history
		WHERE machine_id = ? AND timestamp >= ?
		ORDER BY timestamp ASC LIMIT ?`,
		machineID, since.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var points []HistoryPoint
	for rows.Next() {
		var ts int64
		var payload string
		if err := rows.Scan(&ts, &payload); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		var metrics models.MetricReport
		if err := json.Unmarshal([]byte(payload), &metrics); err != nil {
			continue
		}
		points = append(points, HistoryPoint{Timestamp: time.UnixMilli(ts).UTC(), Metrics: &metrics})
	}
	return points, rows.Err()
}

// PruneHistoryBefore deletes history rows older than cutoff and returns
// the number removed.
func (d *DB) PruneHistoryBefore(cutoff time.Time) (int64, error) {
	res, err := d.db.Exec(`DELETE FROM metrics_history WHERE timestamp < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}

// InsertSpeedtest persists one speed-test measurement.
func (d *DB) InsertSpeedtest(machineID string, r *models.SpeedTestResult) error {
	return d.execRetry(`
		INSERT INTO speedtest_results (machine_id, timestamp, download, upload, ping, jitter, loss, server, isp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		machineID, r.Timestamp.UnixMilli(), r.DownloadMbps, r.UploadMbps, r.PingMs,
		r.JitterMs, r.PacketLossPct, r.Server, r.ISP)
}

// RecentSpeedtests returns a machine's newest n results, newest first.
func (d *DB) RecentSpeedtests(machineID string, n int) ([]models.SpeedTestResult, error) {
	rows, err := d.db.Query(`
		SELECT machine_id, timestamp, download, upload, ping, jitter, loss, server, isp
		FROM speedtest_results WHERE machine_id = ?
		ORDER BY timestamp DESC LIMIT ?`, machineID, n)
	if err != nil {
		return nil, fmt.Errorf("query speedtests: %w", err)
	}
	defer rows.Close()
	return scanSpeedtests(rows)
}

// SpeedtestsSince returns every result in the window, across machines.
func (d *DB) SpeedtestsSince(since time.Time) ([]models.SpeedTestResult, error) {
	rows, err := d.db.Query(`
		SELECT machine_id, timestamp, download, upload, ping, jitter, loss, server, isp
		FROM speedtest_results WHERE timestamp >= ?
		ORDER BY timestamp ASC`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query speedtests: %w", err)
	}
	defer rows.Close()
	return scanSpeedtests(rows)
}

// SpeedtestMachines lists machine IDs with at least one result.
func (d *DB) SpeedtestMachines() ([]string, error) {
	rows, err := d.db.Query(`SELECT DISTINCT machine_id FROM speedtest_results`)
	if err != nil {
		return nil, fmt.Errorf("query speedtest machines: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanSpeedtests(rows *sql.Rows) ([]models.SpeedTestResult, error) {
	var results []models.SpeedTestResult
	for rows.Next() {
		var r models.SpeedTestResult
		var ts int64
		var jitter, loss sql.NullFloat64
		var server, isp sql.NullString
		if err := rows.Scan(&r.MachineID, &ts, &r.DownloadMbps, &r.UploadMbps, &r.PingMs, &jitter, &loss, &server, &isp); err != nil {
			return nil, fmt.Errorf("scan speedtest row: %w", err)
		}
		r.Timestamp = time.UnixMilli(ts).UTC()
		if jitter.Valid {
			r.JitterMs = &jitter.Float64
		}
		if loss.Valid {
			r.PacketLossPct = &loss.Float64
		}
		r.Server = server.String
		r.ISP = isp.String
		results = append(results, r)
	}
	return results, rows.Err()
}

// InsertCommand persists a newly enqueued command.
func (d *DB) InsertCommand(cmd *models.Command) error {
	args, err := json.Marshal(cmd.Args)
	if err != nil {
		return fmt.Errorf("marshal command args: %w", err)
	}
	return d.execRetry(`
		INSERT INTO commands (command_id, machine_id, type, args, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cmd.CommandID, cmd.MachineID, string(cmd.Type), string(args), string(cmd.Status), cmd.CreatedAt.UnixMilli())
}

// MarkCommandsDelivered stamps delivered_at on the given commands.
func (d *DB) MarkCommandsDelivered(ids []string, at time.Time) error {
	for _, id := range ids {
		if err := d.execRetry(`
			UPDATE commands SET status = ?, delivered_at = ? WHERE command_id = ?`,
			string(models.CommandDelivered), at.UnixMilli(), id); err != nil {
			return err
		}
	}
	return nil
}

// CompleteCommand stores a command's result and marks it done. A done
// command keeps its first result: redelivery re-acks arriving after the
// genuine result must not overwrite it.
func (d *DB) CompleteCommand(id string, result *models.CommandResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal command result: %w", err)
	}
	return d.execRetry(`
		UPDATE commands SET status = ?, result = ? WHERE command_id = ? AND status != ?`,
		string(models.CommandDone), string(payload), id, string(models.CommandDone))
}

// UndeliveredCommands restores pending and delivered-but-unacked
// commands at boot, so a restart does not lose the queue.
func (d *DB) UndeliveredCommands() ([]*models.Command, error) {
	rows, err := d.db.Query(`
		SELECT command_id, machine_id, type, args, status, created_at, delivered_at
		FROM commands WHERE status != ?
		ORDER BY created_at ASC`, string(models.CommandDone))
	if err != nil {
		return nil, fmt.Errorf("load commands: %w", err)
	}
	defer rows.Close()

	var commands []*models.Command
	for rows.Next() {
		var cmd models.Command
		var args sql.NullString
		var createdAt int64
		var deliveredAt sql.NullInt64
		var cmdType, status string
		if err := rows.Scan(&cmd.CommandID, &cmd.MachineID, &cmdType, &args, &status, &createdAt, &deliveredAt); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		cmd.Type = models.CommandType(cmdType)
		cmd.Status = models.CommandStatus(status)
		cmd.CreatedAt = time.UnixMilli(createdAt).UTC()
		if deliveredAt.Valid {
			t := time.UnixMilli(deliveredAt.Int64).UTC()
			cmd.DeliveredAt = &t
		}
		if args.Valid && args.String != "" {
			if err := json.Unmarshal([]byte(args.String), &cmd.Args); err != nil {
				log.Warn().Err(err).Str("commandID", cmd.CommandID).Msg("Restoring command without its corrupt args")
			}
		}
		commands = append(commands, &cmd)
	}
	return commands, rows.Err()
}
