package dao

import (
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Open connects to a sqlite file or a postgres database, the driver is guessed from the uri
// when not given.
func Open(driver string, uri string) (*sqlx.DB, error) {
	if driver == "" {
		driver = GuessDriver(uri)
	}
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported driver %s", driver)
	}

	db, err := sqlx.Connect(driver, uri)
	if err != nil {
		return nil, fmt.Errorf("error while connecting, %w", err)
	}

	if driver == DriverSQLite {
		// one writer at the time, avoids SQLITE_BUSY between workers
		db.SetMaxOpenConns(1)
		err = tuneSQLite(db)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("error while tuning db instance, %w", err), db.Close())
		}
	}
	return db, nil
}

func GuessDriver(uri string) string {
	if strings.HasPrefix(uri, "postgres://") || strings.HasPrefix(uri, "postgresql://") {
		return DriverPostgres
	}
	return DriverSQLite
}

func tuneSQLite(db *sqlx.DB) error {
	q := `pragma journal_mode = WAL;
			pragma synchronous = normal;
			pragma temp_store = memory;
			pragma busy_timeout = 5000;`
	_, err := db.Exec(q)
	return err
}

// InTx runs fn in a transaction, committing when fn returns nil.
func InTx(db *sqlx.DB, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to get transaction, %w", err)
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()
	return fn(tx)
}
