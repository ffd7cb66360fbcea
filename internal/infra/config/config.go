package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gocql/gocql"
)

// Config aggregates gateway configuration values loaded from environment variables.
type Config struct {
	Env             string
	LogLevel        string
	HTTPAddr        string
	CORSOrigins     []string
	SocketPath      string
	PingInterval    time.Duration
	ShutdownTimeout time.Duration

	JWTSecret string
	TokenTTL  time.Duration

	MongoURI         string
	MongoDB          string
	MongoCollection  string
	MongoTimeout     time.Duration
	ResortFixtures   string
	KafkaBrokers     []string
	KafkaClientID    string
	KafkaTopicPrefix string
	KafkaGroupID     string

	ScyllaHosts       []string
	ScyllaKeyspace    string
	ScyllaUsername    string
	ScyllaPassword    string
	ScyllaConsistency gocql.Consistency
	ScyllaTimeout     time.Duration
	ReplicationFactor int
}

// Load parses gateway configuration from the current environment.
func Load() (Config, error) {
	cfg := Config{
		Env:              getEnv("APP_ENV", "dev"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		HTTPAddr:         getEnv("HTTP_ADDR", ":8080"),
		CORSOrigins:      splitAndTrim(getEnv("CORS_ORIGINS", "*")),
		SocketPath:       getEnv("SOCKET_PATH", "/socket"),
		JWTSecret:        strings.TrimSpace(os.Getenv("JWT_SECRET")),
		MongoURI:         strings.TrimSpace(os.Getenv("MONGO_URI")),
		MongoDB:          getEnv("MONGO_DB", "resortchat"),
		MongoCollection:  getEnv("MONGO_RESORTS_COLLECTION", "resorts"),
		ResortFixtures:   strings.TrimSpace(os.Getenv("RESORT_FIXTURES")),
		KafkaBrokers:     splitAndTrim(os.Getenv("KAFKA_BROKERS")),
		KafkaClientID:    getEnv("KAFKA_CLIENT_ID", "chatgateway"),
		KafkaTopicPrefix: getEnv("KAFKA_TOPIC_PREFIX", ""),
		KafkaGroupID:     getEnv("KAFKA_GROUP_ID", "chatgateway"),
		ScyllaHosts:      splitAndTrim(os.Getenv("SCYLLA_HOSTS")),
		ScyllaKeyspace:   strings.TrimSpace(getEnv("SCYLLA_KEYSPACE", "resortchat")),
		ScyllaUsername:   strings.TrimSpace(os.Getenv("SCYLLA_USERNAME")),
		ScyllaPassword:   strings.TrimSpace(os.Getenv("SCYLLA_PASSWORD")),
		ReplicationFactor: parseIntWithDefault(
			strings.TrimSpace(os.Getenv("SCYLLA_REPLICATION_FACTOR")), 1),
	}
	if !strings.HasPrefix(cfg.SocketPath, "/") {
		cfg.SocketPath = "/" + cfg.SocketPath
	}

	var err error
	if cfg.PingInterval, err = parseDurationEnv("WS_PING_INTERVAL", 25*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = parseDurationEnv("SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.TokenTTL, err = parseDurationEnv("TOKEN_TTL", 24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.MongoTimeout, err = parseDurationEnv("MONGO_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ScyllaTimeout, err = parseDurationEnv("SCYLLA_TIMEOUT", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ScyllaConsistency, err = parseConsistency(getEnv("SCYLLA_CONSISTENCY", "quorum")); err != nil {
		return Config{}, err
	}
	if cfg.ReplicationFactor < 1 {
		cfg.ReplicationFactor = 1
	}

	if cfg.JWTSecret == "" {
		if !isDevEnv(cfg.Env) {
			return Config{}, fmt.Errorf("JWT_SECRET is required")
		}
		cfg.JWTSecret = "dev-secret"
	}
	if len(cfg.ScyllaHosts) > 0 && cfg.ScyllaKeyspace == "" {
		return Config{}, fmt.Errorf("SCYLLA_KEYSPACE is required")
	}
	return cfg, nil
}

// ClientConfig configures the terminal chat client.
type ClientConfig struct {
	Env               string
	LogLevel          string
	APIBaseURL        string
	SocketPath        string
	HandshakeTimeout  time.Duration
	ReconnectBase     time.Duration
	ReconnectAttempts int
	IdleTimeout       time.Duration
	RequestTimeout    time.Duration

	Token     string
	UserID    string
	Role      string
	JWTSecret string
}

// LoadClient parses client configuration from the current environment.
func LoadClient() (ClientConfig, error) {
	cfg := ClientConfig{
		Env:        getEnv("APP_ENV", "dev"),
		LogLevel:   getEnv("LOG_LEVEL", "warn"),
		APIBaseURL: strings.TrimRight(getEnv("CHAT_API_URL", "http://localhost:8080/api/v1"), "/"),
		SocketPath: getEnv("SOCKET_PATH", "/socket"),
		Token:      strings.TrimSpace(os.Getenv("CHAT_TOKEN")),
		UserID:     strings.TrimSpace(os.Getenv("CHAT_USER_ID")),
		Role:       strings.ToLower(strings.TrimSpace(getEnv("CHAT_ROLE", "customer"))),
		JWTSecret:  strings.TrimSpace(os.Getenv("JWT_SECRET")),
		ReconnectAttempts: parseIntWithDefault(
			strings.TrimSpace(os.Getenv("RECONNECT_ATTEMPTS")), 5),
	}
	var err error
	if cfg.HandshakeTimeout, err = parseDurationEnv("HANDSHAKE_TIMEOUT", 10*time.Second); err != nil {
		return ClientConfig{}, err
	}
	if cfg.ReconnectBase, err = parseDurationEnv("RECONNECT_BASE_DELAY", time.Second); err != nil {
		return ClientConfig{}, err
	}
	if cfg.IdleTimeout, err = parseDurationEnv("WS_IDLE_TIMEOUT", 60*time.Second); err != nil {
		return ClientConfig{}, err
	}
	if cfg.RequestTimeout, err = parseDurationEnv("REQUEST_TIMEOUT", 10*time.Second); err != nil {
		return ClientConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		return ClientConfig{}, fmt.Errorf("CHAT_API_URL is required")
	}
	if cfg.Token == "" && cfg.JWTSecret == "" {
		return ClientConfig{}, fmt.Errorf("CHAT_TOKEN or JWT_SECRET is required")
	}
	return cfg, nil
}

func isDevEnv(env string) bool {
	return env == "dev" || env == "local" || env == "test"
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", key, err)
	}
	return d, nil
}

func parseIntWithDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v == 0 {
		return def
	}
	return v
}

func parseConsistency(raw string) (gocql.Consistency, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "quorum":
		return gocql.Quorum, nil
	case "one":
		return gocql.One, nil
	case "local_quorum", "localquorum":
		return gocql.LocalQuorum, nil
	case "all":
		return gocql.All, nil
	default:
		return gocql.Quorum, fmt.Errorf("unsupported SCYLLA_CONSISTENCY: %s", raw)
	}
}
