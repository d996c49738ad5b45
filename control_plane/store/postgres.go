package store

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the registry tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Node Operations ---

const nodeColumns = `id, name, host, is_local, connection_mode, ssh_user, ssh_secret, ssh_port, agent_secret,
	status, last_seen, cpu_usage, ram_usage, disk_usage, uptime, agent_version, created_at, updated_at`

func scanNode(row pgx.Row) (*Node, error) {
	var n Node
	err := row.Scan(
		&n.ID, &n.Name, &n.Host, &n.IsLocal, &n.ConnectionMode, &n.SSHUser, &n.SSHSecret, &n.SSHPort, &n.AgentSecret,
		&n.Status, &n.LastSeen, &n.CPU, &n.RAM, &n.Disk, &n.Uptime, &n.AgentVersion, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *PostgresStore) CreateNode(ctx context.Context, n *Node) error {
	if n.Status == "" {
		n.Status = StatusUnknown
	}
	if n.ConnectionMode == "" {
		n.ConnectionMode = ModeDirect
	}
	query := `
		INSERT INTO nodes (id, name, host, is_local, connection_mode, ssh_user, ssh_secret, ssh_port, agent_secret, status, agent_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err := s.pool.QueryRow(ctx, query,
		n.ID, n.Name, n.Host, n.IsLocal, n.ConnectionMode, n.SSHUser, n.SSHSecret, n.SSHPort,
		n.AgentSecret, n.Status, n.AgentVersion,
	).Scan(&n.CreatedAt, &n.UpdatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "nodes_single_local" {
		return ErrLocalNode
	}
	return err
}

func (s *PostgresStore) GetNode(ctx context.Context, nodeID string) (*Node, error) {
	n, err := scanNode(s.pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, nodeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return n, err
}

func (s *PostgresStore) GetLocalNode(ctx context.Context) (*Node, error) {
	n, err := scanNode(s.pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE is_local LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return n, err
}

func (s *PostgresStore) ListNodes(ctx context.Context) ([]*Node, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (s *PostgresStore) DeleteNode(ctx context.Context, nodeID string) error {
	var isLocal bool
	err := s.pool.QueryRow(ctx, `SELECT is_local FROM nodes WHERE id = $1`, nodeID).Scan(&isLocal)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNodeNotFound
	}
	if err != nil {
		return err
	}
	if isLocal {
		return ErrLocalNode
	}
	_, err = s.pool.Exec(ctx, `DELETE FROM nodes WHERE id = $1 AND NOT is_local`, nodeID)
	return err
}

func (s *PostgresStore) UpdateNodeStatus(ctx context.Context, nodeID string, status NodeStatus, m *Metrics, seenAt time.Time) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if m == nil {
		tag, err = s.pool.Exec(ctx, `UPDATE nodes SET status = $2, updated_at = NOW() WHERE id = $1`, nodeID, status)
	} else {
		query := `
			UPDATE nodes
			SET status = $2, cpu_usage = $3, ram_usage = $4, disk_usage = $5, uptime = $6,
				agent_version = COALESCE(NULLIF($7::text, ''), agent_version), last_seen = $8, updated_at = NOW()
			WHERE id = $1
		`
		tag, err = s.pool.Exec(ctx, query, nodeID, status, m.CPU, m.RAM, m.Disk, m.Uptime, m.AgentVersion, seenAt)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNodeNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateNodeConnection(ctx context.Context, nodeID string, status NodeStatus, mode ConnectionMode) error {
	query := `UPDATE nodes SET status = $2, connection_mode = $3, last_seen = NOW(), updated_at = NOW() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, nodeID, status, mode)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNodeNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateNodeMetrics(ctx context.Context, nodeID string, m Metrics, seenAt time.Time) error {
	query := `
		UPDATE nodes
		SET cpu_usage = $2, ram_usage = $3, disk_usage = $4, uptime = $5,
			agent_version = COALESCE(NULLIF($6::text, ''), agent_version), last_seen = $7, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, nodeID, m.CPU, m.RAM, m.Disk, m.Uptime, m.AgentVersion, seenAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNodeNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateNodeVersion(ctx context.Context, nodeID string, version string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE nodes SET agent_version = $2, updated_at = NOW() WHERE id = $1`, nodeID, version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNodeNotFound
	}
	return nil
}

// --- Metrics History ---

func (s *PostgresStore) AppendMetricSample(ctx context.Context, m MetricSample) error {
	query := `
		INSERT INTO node_metrics (node_id, cpu_usage, ram_usage, disk_usage, uptime, mem_total, mem_used, disk_total, disk_used, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.pool.Exec(ctx, query,
		m.NodeID, m.CPU, m.RAM, m.Disk, m.Uptime, m.MemTotal, m.MemUsed, m.DiskTotal, m.DiskUsed, m.CapturedAt,
	)
	return err
}

func (s *PostgresStore) ListMetricSamples(ctx context.Context, nodeID string, since time.Time) ([]MetricSample, error) {
	query := `
		SELECT node_id, cpu_usage, ram_usage, disk_usage, uptime, mem_total, mem_used, disk_total, disk_used, captured_at
		FROM node_metrics WHERE node_id = $1 AND captured_at >= $2 ORDER BY captured_at
	`
	rows, err := s.pool.Query(ctx, query, nodeID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []MetricSample
	for rows.Next() {
		var m MetricSample
		if err := rows.Scan(
			&m.NodeID, &m.CPU, &m.RAM, &m.Disk, &m.Uptime, &m.MemTotal, &m.MemUsed, &m.DiskTotal, &m.DiskUsed, &m.CapturedAt,
		); err != nil {
			return nil, err
		}
		samples = append(samples, m)
	}
	return samples, rows.Err()
}

// --- Notification Log ---

func (s *PostgresStore) AppendNotification(ctx context.Context, n *Notification) error {
	query := `
		INSERT INTO node_notifications (node_id, node_name, kind, from_status, to_status, message)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	return s.pool.QueryRow(ctx, query, n.NodeID, n.NodeName, n.Kind, n.From, n.To, n.Message).Scan(&n.ID, &n.CreatedAt)
}

func (s *PostgresStore) ListNotifications(ctx context.Context, nodeID string, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, node_id, node_name, kind, from_status, to_status, message, created_at
		FROM node_notifications WHERE ($1::text = '' OR node_id = $1) ORDER BY id DESC LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, nodeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.NodeID, &n.NodeName, &n.Kind, &n.From, &n.To, &n.Message, &n.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, &n)
	}
	return result, rows.Err()
}

// --- Lookup Tables ---

func (s *PostgresStore) GetWebsite(ctx context.Context, websiteID string) (*Website, error) {
	var w Website
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, domain, root_path, node_id FROM websites WHERE id = $1`, websiteID,
	).Scan(&w.ID, &w.UserID, &w.Domain, &w.RootPath, &w.NodeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *PostgresStore) GetWebsiteByDomain(ctx context.Context, domain string) (*Website, error) {
	var w Website
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, domain, root_path, node_id FROM websites WHERE domain = $1`, domain,
	).Scan(&w.ID, &w.UserID, &w.Domain, &w.RootPath, &w.NodeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *PostgresStore) ListWebsites(ctx context.Context, userID string) ([]*Website, error) {
	query := `SELECT id, user_id, domain, root_path, node_id FROM websites WHERE ($1::text = '' OR user_id = $1) ORDER BY id`
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var websites []*Website
	for rows.Next() {
		var w Website
		if err := rows.Scan(&w.ID, &w.UserID, &w.Domain, &w.RootPath, &w.NodeID); err != nil {
			return nil, err
		}
		websites = append(websites, &w)
	}
	return websites, rows.Err()
}

func (s *PostgresStore) GetUserStorage(ctx context.Context, userID string) (*UserStorage, error) {
	var u UserStorage
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, root_path, node_id FROM user_storage WHERE user_id = $1`, userID,
	).Scan(&u.UserID, &u.RootPath, &u.NodeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
