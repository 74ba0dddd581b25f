package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS operators (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'operator',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			device_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			hostname TEXT NOT NULL DEFAULT '',
			os_version TEXT NOT NULL DEFAULT '',
			agent_version TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'offline',
			monitors JSONB NOT NULL DEFAULT '[]',
			last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			operator_id TEXT NOT NULL DEFAULT '',
			device_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_session_id ON audit_events(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_state ON devices(state)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Operators ---

func (s *PostgresStore) CreateOperator(ctx context.Context, op *Operator) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO operators (id, username, password_hash, role, created_at) VALUES ($1, $2, $3, $4, $5)",
		op.ID, op.Username, op.PasswordHash, op.Role, op.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetOperator(ctx context.Context, username string) (*Operator, error) {
	var op Operator
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM operators WHERE username = $1",
		username,
	).Scan(&op.ID, &op.Username, &op.PasswordHash, &op.Role, &op.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &op, err
}

func (s *PostgresStore) GetOperatorByID(ctx context.Context, id string) (*Operator, error) {
	var op Operator
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM operators WHERE id = $1", id,
	).Scan(&op.ID, &op.Username, &op.PasswordHash, &op.Role, &op.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &op, err
}

func (s *PostgresStore) ListOperators(ctx context.Context) ([]Operator, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, username, role, created_at FROM operators ORDER BY created_at",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []Operator
	for rows.Next() {
		var op Operator
		if err := rows.Scan(&op.ID, &op.Username, &op.Role, &op.CreatedAt); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// --- Devices ---

func (s *PostgresStore) UpsertDevice(ctx context.Context, d *Device) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (device_id, name, hostname, os_version, agent_version, state, monitors, last_seen)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT(device_id) DO UPDATE SET
		   name=excluded.name, hostname=excluded.hostname, os_version=excluded.os_version,
		   agent_version=excluded.agent_version, state=excluded.state,
		   monitors=excluded.monitors, last_seen=excluded.last_seen`,
		d.DeviceID, d.Name, d.Hostname, d.OSVersion, d.AgentVersion, d.State, d.Monitors, d.LastSeen,
	)
	return err
}

func (s *PostgresStore) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	var d Device
	err := s.db.QueryRowContext(ctx,
		`SELECT device_id, name, hostname, os_version, agent_version, state, monitors, last_seen
		 FROM devices WHERE device_id = $1`, deviceID,
	).Scan(&d.DeviceID, &d.Name, &d.Hostname, &d.OSVersion, &d.AgentVersion, &d.State, &d.Monitors, &d.LastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &d, err
}

func (s *PostgresStore) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, name, hostname, os_version, agent_version, state, monitors, last_seen
		 FROM devices ORDER BY name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.DeviceID, &d.Name, &d.Hostname, &d.OSVersion, &d.AgentVersion, &d.State, &d.Monitors, &d.LastSeen); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (s *PostgresStore) SetDeviceState(ctx context.Context, deviceID, state string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE devices SET state = $1, last_seen = $2 WHERE device_id = $3",
		state, time.Now(), deviceID,
	)
	return err
}

// --- Audit ---

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, action, operator_id, device_id, session_id, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.Action, event.OperatorID, event.DeviceID, event.SessionID, detail, event.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, operator_id, device_id, session_id, detail, created_at
		 FROM audit_events ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.Action, &e.OperatorID, &e.DeviceID, &e.SessionID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_events WHERE created_at < $1", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
