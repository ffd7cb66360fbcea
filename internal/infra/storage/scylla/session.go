// Package scylla persists chats, messages and unread counters in ScyllaDB.
package scylla

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/gocql/gocql"

	"resortchat/internal/infra/config"
)

var keyspacePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// NewSession ensures schema exists and returns a connected Scylla session.
func NewSession(cfg config.Config, logger *slog.Logger) (*gocql.Session, error) {
	if !keyspacePattern.MatchString(cfg.ScyllaKeyspace) {
		return nil, fmt.Errorf("invalid keyspace name: %s", cfg.ScyllaKeyspace)
	}
	if len(cfg.ScyllaHosts) == 0 {
		return nil, fmt.Errorf("scylla hosts not configured")
	}

	baseCluster := gocql.NewCluster(cfg.ScyllaHosts...)
	baseCluster.Timeout = cfg.ScyllaTimeout
	baseCluster.Consistency = cfg.ScyllaConsistency
	setAuth(baseCluster, cfg)

	baseSession, err := baseCluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect to scylla: %w", err)
	}
	defer baseSession.Close()

	if err := ensureKeyspace(context.Background(), baseSession, cfg); err != nil {
		return nil, err
	}

	cluster := gocql.NewCluster(cfg.ScyllaHosts...)
	cluster.Timeout = cfg.ScyllaTimeout
	cluster.Keyspace = cfg.ScyllaKeyspace
	cluster.Consistency = cfg.ScyllaConsistency
	setAuth(cluster, cfg)

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect to keyspace %s: %w", cfg.ScyllaKeyspace, err)
	}
	if err := ensureTables(context.Background(), session, cfg.ScyllaKeyspace); err != nil {
		session.Close()
		return nil, err
	}
	if logger != nil {
		logger.Info("scylla connected", "hosts", cfg.ScyllaHosts, "keyspace", cfg.ScyllaKeyspace)
	}
	return session, nil
}

func ensureKeyspace(ctx context.Context, session *gocql.Session, cfg config.Config) error {
	cql := fmt.Sprintf(
		"CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': %d}",
		cfg.ScyllaKeyspace, cfg.ReplicationFactor,
	)
	if err := session.Query(cql).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("create keyspace: %w", err)
	}
	return nil
}

func schema(keyspace string) []string {
	return []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s.chats (
	id text PRIMARY KEY,
	customer_id text,
	resort_id text,
	resort_name text,
	created_at timestamp,
	last_message text,
	last_message_at timestamp
);`, keyspace),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS ON %s.chats (customer_id);`, keyspace),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS ON %s.chats (resort_id);`, keyspace),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s.chats_by_pair (
	customer_id text,
	resort_id text,
	chat_id text,
	PRIMARY KEY ((customer_id, resort_id))
);`, keyspace),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s.messages (
	chat_id text,
	sent_at timestamp,
	message_id text,
	sender text,
	sender_id text,
	text text,
	PRIMARY KEY (chat_id, sent_at, message_id)
) WITH CLUSTERING ORDER BY (sent_at ASC, message_id ASC);`, keyspace),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s.chat_counters (
	chat_id text PRIMARY KEY,
	unread_customer counter,
	unread_owner counter,
	total counter
);`, keyspace),
	}
}

func ensureTables(ctx context.Context, session *gocql.Session, keyspace string) error {
	for _, cql := range schema(keyspace) {
		if err := session.Query(cql).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func setAuth(cluster *gocql.ClusterConfig, cfg config.Config) {
	if cfg.ScyllaUsername == "" {
		return
	}
	cluster.Authenticator = gocql.PasswordAuthenticator{
		Username: cfg.ScyllaUsername,
		Password: cfg.ScyllaPassword,
	}
	// avoid long stalls on auth/connect
	cluster.ConnectTimeout = cfg.ScyllaTimeout
	cluster.Timeout = cfg.ScyllaTimeout
}

// Ping checks that the cluster answers queries.
func Ping(ctx context.Context, session *gocql.Session) error {
	if session == nil {
		return fmt.Errorf("scylla session not initialized")
	}
	return session.Query(`SELECT now() FROM system.local`).WithContext(ctx).Consistency(gocql.One).Exec()
}
