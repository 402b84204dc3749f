package sqlutil

import (
	"database/sql"
	"fmt"

	"github.com/chiaracoetzee/pluralmatrix-sub000/setup/config"
	"github.com/sirupsen/logrus"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Open opens a database specified by its database driver name and a data
// source name. SQLite connections get an exclusive writer and a single
// open connection.
func Open(dbProperties *config.Database) (*sql.DB, Writer, error) {
	var driverName, dsn string
	var writer Writer
	switch {
	case dbProperties.ConnectionString.IsSQLite():
		driverName = "sqlite3"
		dsn = string(dbProperties.ConnectionString)
		writer = NewExclusiveWriter()
	case dbProperties.ConnectionString.IsPostgres():
		driverName = "postgres"
		dsn = string(dbProperties.ConnectionString)
		writer = NewDummyWriter()
	default:
		return nil, nil, fmt.Errorf("invalid database connection string %q", dbProperties.ConnectionString)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, nil, err
	}
	if driverName == "sqlite3" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(dbProperties.MaxOpenConnections)
		db.SetMaxIdleConns(dbProperties.MaxIdleConnections)
	}
	logrus.WithFields(logrus.Fields{
		"driver":         driverName,
		"max_open_conns": dbProperties.MaxOpenConnections,
		"max_idle_conns": dbProperties.MaxIdleConnections,
	}).Debug("Setting DB connection limits")
	if err = db.Ping(); err != nil {
		return nil, nil, err
	}
	return db, writer, nil
}
