package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage drivers
const (
	DriverMemory    = "memory"
	DriverSQLite    = "sqlite"
	DriverCassandra = "cassandra"
)

// Config holds all configuration for the application
type Config struct {
	Host           string
	Port           string
	LogLevel       string
	StorageDriver  string
	SQLitePath     string
	ExperimentFile string
	SessionTTL     time.Duration
	Redis          RedisConfig
	Cassandra      CassandraConfig
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// CassandraConfig holds Cassandra-specific configuration
type CassandraConfig struct {
	Hosts       []string
	Keyspace    string
	Username    string
	Password    string
	Consistency string
	Timeout     time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	host := getEnv("HOST", "0.0.0.0")
	port := getEnv("PORT", "8080")
	logLevel := getEnv("LOG_LEVEL", "info")
	experimentFile := getEnv("EXPERIMENT_CONFIG", "experiment.yaml")

	driver := strings.ToLower(getEnv("STORAGE_DRIVER", DriverSQLite))
	switch driver {
	case DriverMemory, DriverSQLite, DriverCassandra:
	default:
		return nil, fmt.Errorf("invalid STORAGE_DRIVER value: %q", driver)
	}
	sqlitePath := getEnv("SQLITE_PATH", "memorygame.sqlite")

	// Redis configuration (participant session store)
	redisAddr := getEnv("REDIS_ADDR", "")
	redisPassword := getEnv("REDIS_PASSWORD", "")
	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB value: %w", err)
	}

	// Session TTL (0 = no expiration)
	sessionTTL, err := strconv.Atoi(getEnv("SESSION_TTL_SECONDS", "86400"))
	if err != nil {
		return nil, fmt.Errorf("invalid SESSION_TTL_SECONDS value: %w", err)
	}

	cassandraTimeout, err := strconv.Atoi(getEnv("CASSANDRA_TIMEOUT_SECONDS", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid CASSANDRA_TIMEOUT_SECONDS value: %w", err)
	}

	return &Config{
		Host:           host,
		Port:           port,
		LogLevel:       logLevel,
		StorageDriver:  driver,
		SQLitePath:     sqlitePath,
		ExperimentFile: experimentFile,
		SessionTTL:     time.Duration(sessionTTL) * time.Second,
		Redis: RedisConfig{
			Addr:     redisAddr,
			Password: redisPassword,
			DB:       redisDB,
		},
		Cassandra: CassandraConfig{
			Hosts:       parseHosts(getEnv("CASSANDRA_HOSTS", "localhost:9042")),
			Keyspace:    getEnv("CASSANDRA_KEYSPACE", "memorygame"),
			Username:    getEnv("CASSANDRA_USERNAME", ""),
			Password:    getEnv("CASSANDRA_PASSWORD", ""),
			Consistency: getEnv("CASSANDRA_CONSISTENCY", "QUORUM"),
			Timeout:     time.Duration(cassandraTimeout) * time.Second,
		},
	}, nil
}

// Address returns the full address (host:port)
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseHosts parses a comma-separated list of hosts
func parseHosts(hostsStr string) []string {
	if hostsStr == "" {
		return []string{"localhost:9042"}
	}
	parts := strings.Split(hostsStr, ",")
	hosts := make([]string, 0, len(parts))
	for _, part := range parts {
		host := strings.TrimSpace(part)
		if host != "" {
			hosts = append(hosts, host)
		}
	}
	if len(hosts) == 0 {
		return []string{"localhost:9042"}
	}
	return hosts
}
