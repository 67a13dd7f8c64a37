package cluster

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/devrev/samoa/internal/model"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS samoa_server (
		id       SMALLINT PRIMARY KEY,
		uuid     BYTEA NOT NULL,
		hostname TEXT NOT NULL,
		port     INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS samoa_peer (
		uuid     BYTEA PRIMARY KEY,
		hostname TEXT NOT NULL,
		port     INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS samoa_table (
		uuid        BYTEA PRIMARY KEY,
		description BYTEA NOT NULL
	);
`

// PostgresStore keeps the cluster state in PostgreSQL
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects to connString and creates the schema
func NewPostgresStore(ctx context.Context, connString string, logger *zap.Logger) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Load implements Store
func (s *PostgresStore) Load(ctx context.Context) (*model.ClusterStateDescription, error) {
	var (
		id       []byte
		hostname string
		port     int32
	)
	err := s.pool.QueryRow(ctx, `SELECT uuid, hostname, port FROM samoa_server WHERE id = 1`).
		Scan(&id, &hostname, &port)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read server identity: %w", err)
	}
	local, err := model.UUIDFromBytes(id)
	if err != nil {
		return nil, err
	}
	desc := &model.ClusterStateDescription{LocalUUID: local, LocalHostname: hostname, LocalPort: uint32(port)}

	rows, err := s.pool.Query(ctx, `SELECT uuid, hostname, port FROM samoa_peer`)
	if err != nil {
		return nil, fmt.Errorf("failed to read peers: %w", err)
	}
	for rows.Next() {
		var p model.PeerDescription
		if err := rows.Scan(&id, &p.Hostname, &port); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan peer: %w", err)
		}
		if p.UUID, err = model.UUIDFromBytes(id); err != nil {
			rows.Close()
			return nil, err
		}
		p.Port = uint32(port)
		desc.Peers = append(desc.Peers, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx, `SELECT description FROM samoa_table`)
	if err != nil {
		return nil, fmt.Errorf("failed to read tables: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan table: %w", err)
		}
		t, err := model.UnmarshalTable(body)
		if err != nil {
			return nil, err
		}
		desc.Tables = append(desc.Tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	SortDescription(desc)
	return desc, nil
}

// Save implements Store. The previous content is replaced in one transaction.
func (s *PostgresStore) Save(ctx context.Context, desc *model.ClusterStateDescription) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO samoa_server (id, uuid, hostname, port) VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET uuid = $1, hostname = $2, port = $3
	`, desc.LocalUUID[:], desc.LocalHostname, int32(desc.LocalPort)); err != nil {
		return fmt.Errorf("failed to write server identity: %w", err)
	}

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM samoa_peer`)
	batch.Queue(`DELETE FROM samoa_table`)
	for _, p := range desc.Peers {
		batch.Queue(`INSERT INTO samoa_peer (uuid, hostname, port) VALUES ($1, $2, $3)`,
			p.UUID[:], p.Hostname, int32(p.Port))
	}
	for _, t := range desc.Tables {
		batch.Queue(`INSERT INTO samoa_table (uuid, description) VALUES ($1, $2)`,
			t.UUID[:], model.AppendTable(nil, t))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to write cluster state: %w", err)
	}

	return tx.Commit(ctx)
}

// Close implements Store
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
