package storage

import (
	"database/sql"
	"time"
)

// SQLConfig holds pool limits applied to the *sql.DB behind an SQLStore.
// Zero fields leave the database/sql default in place.
type SQLConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// ConnectTimeout bounds the initial ping in OpenSQL.
	ConnectTimeout time.Duration
}

// DefaultSQLConfig suits a single conductor process talking to postgres.
// OpenSQL caps sqlite at one open connection regardless.
func DefaultSQLConfig() *SQLConfig {
	return &SQLConfig{
		MaxOpenConns:    16,
		MaxIdleConns:    4,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnectTimeout:  5 * time.Second,
	}
}

func (c *SQLConfig) apply(db *sql.DB) {
	if c.MaxOpenConns > 0 {
		db.SetMaxOpenConns(c.MaxOpenConns)
	}
	if c.MaxIdleConns > 0 {
		db.SetMaxIdleConns(c.MaxIdleConns)
	}
	if c.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(c.ConnMaxLifetime)
	}
	if c.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(c.ConnMaxIdleTime)
	}
}
