package db

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

type SQLiteConfig struct {
	BusyTimeoutMs int
	WAL           bool
	ForeignKeys   bool
}

type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type Config struct {
	Driver      string
	DSN         string
	Pool        PoolConfig
	SQLite      SQLiteConfig
	AutoMigrate bool
}

func DefaultConfig() Config {
	return Config{
		Driver: "sqlite",
		DSN:    "",
		Pool: PoolConfig{
			MaxOpenConns:    1,
			MaxIdleConns:    1,
			ConnMaxLifetime: 0,
		},
		SQLite: SQLiteConfig{
			BusyTimeoutMs: 5000,
			WAL:           true,
			ForeignKeys:   true,
		},
		AutoMigrate: true,
	}
}

// ResolveSQLiteDSN picks the database path. Precedence: explicit DSN,
// an existing database in stateDir, then create stateDir and use the
// default path inside it.
func ResolveSQLiteDSN(dsn string, stateDir string) (string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn != "" {
		return dsn, nil
	}

	stateDB := filepath.Join(stateDir, "morphbridge.sqlite")
	localDB := filepath.Clean("./morphbridge.sqlite")

	if _, err := os.Stat(stateDB); err == nil {
		return stateDB, nil
	}
	if _, err := os.Stat(localDB); err == nil {
		return localDB, nil
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return "", err
	}
	return stateDB, nil
}
