// Package projection is the read-model store: idempotent writers that
// apply derived race events into migrated sqlite tables, plus the query
// helpers operator tooling uses to page through them, per SPEC_FULL.md §4.6.
// Connection and migration wiring follows cc-backend's
// internal/repository/dbConnection.go and migration.go exactly.
package projection

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"

	"github.com/bmxtiming/timingcore/pkg/log"
)

var (
	connOnce     sync.Once
	registerOnce sync.Once
	instance     *DBConnection
)

// DBConnection wraps the single sqlx handle shared by every repository in
// this package, mirroring cc-backend's single-connection sqlite model.
type DBConnection struct {
	DB *sqlx.DB
}

// Connect opens (once) the projection database at dsn, registering a
// query-logging driver wrapper the same way cc-backend wraps sqlite3 with
// sqlhooks, then runs schema migrations.
func Connect(dsn string) (*DBConnection, error) {
	var err error
	connOnce.Do(func() {
		registerOnce.Do(func() {
			sql.Register("sqlite3WithHooks", sqlhooks.Wrap(&sqlite3.SQLiteDriver{}, &Hooks{}))
		})
		var dbHandle *sqlx.DB
		dbHandle, err = sqlx.Open("sqlite3WithHooks", fmt.Sprintf("%s?_foreign_keys=on", dsn))
		if err != nil {
			return
		}
		// sqlite does not multithread writers; one connection avoids
		// waiting on SQLITE_BUSY under concurrent actors.
		dbHandle.SetMaxOpenConns(1)
		dbHandle.SetConnMaxLifetime(time.Hour)
		instance = &DBConnection{DB: dbHandle}
		if migErr := migrate(dsn); migErr != nil {
			err = migErr
			return
		}
	})
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, fmt.Errorf("projection: connect called again after a failed first attempt")
	}
	return instance, nil
}

// GetConnection returns the already-opened projection database.
func GetConnection() *DBConnection {
	if instance == nil {
		log.Fatal("projection: database connection not initialized")
	}
	return instance
}
