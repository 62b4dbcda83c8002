/*Package csql encapsulates a postgres database with a schema.

All shadowd tables live in a dedicated schema so that multiple deployments
can share a single database.
*/
package csql

import (
	"database/sql"

	"github.com/sirupsen/logrus"

	_ "github.com/lib/pq" // load database driver for postgres
)

// DB encapsulates a standard sql.DB with a schema
type DB struct {
	*sql.DB
	Schema string
}

// ErrNoRows is returned by Scan when QueryRow doesn't return a
// row. In such a case, QueryRow returns a placeholder *Row value that
// defers this error until a Scan.
var ErrNoRows = sql.ErrNoRows

// OpenWithSchema opens a shadowd postgres database with a schema.
// The schema gets created if it does not exist yet.
func OpenWithSchema(dataSourceName, schema string) (*DB, error) {
	logrus.Infoln("connecting to postgres database")
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, err
	}
	if err = db.Ping(); err != nil {
		return nil, err
	}
	if len(schema) == 0 {
		schema = "public"
	} else {
		logrus.Infoln("selected database schema:", schema)
		_, err = db.Exec(`CREATE schema IF NOT EXISTS ` + schema + `;`)
		if err != nil {
			return nil, err
		}
	}
	return &DB{DB: db, Schema: schema}, nil
}

// MustOpenWithSchema opens a shadowd postgres database with a schema
// and panics on failure. Intended for service main functions.
func MustOpenWithSchema(dataSourceName, schema string) *DB {
	db, err := OpenWithSchema(dataSourceName, schema)
	if err != nil {
		panic(err)
	}
	return db
}

// ClearSchema clears all the data contained in the database's schema.
// Technically this is done by dropping the schema and then recreating it.
func (db *DB) ClearSchema() {
	if db.Schema == "public" {
		panic("refuse to drop public schema")
	}
	_, err := db.Exec(`DROP SCHEMA ` + db.Schema + ` CASCADE;
	CREATE schema IF NOT EXISTS ` + db.Schema + `;`)
	if err != nil {
		logrus.Errorln("clear schema error:", db.Schema, err.Error())
	}
}
