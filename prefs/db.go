package prefs

import (
	"database/sql"

	"github.com/BurntSushi/migration"
	_ "github.com/cznic/ql/driver"
	_ "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
)

// This file has the database specific parts of the store: the QL embedded
// database used in development and tests, and MySQL.

var qlDialect = dialect{
	get:    `SELECT pvalue FROM prefs WHERE node == ?1 && pkey == ?2 LIMIT 1`,
	keys:   `SELECT pkey FROM prefs WHERE node == ?1 ORDER BY pkey`,
	remove: `DELETE FROM prefs WHERE node == ?1 && pkey == ?2`,
	insert: `INSERT INTO prefs VALUES (?1, ?2, ?3)`,
}

const qlPrefsInit = `
	CREATE TABLE IF NOT EXISTS prefs (
		node string,
		pkey string,
		pvalue string
	);
	CREATE INDEX IF NOT EXISTS prefsnode ON prefs (node);
`

func openQL(driver, name string) (*Store, error) {
	db, err := sql.Open(driver, name)
	if err != nil {
		return nil, err
	}
	tx, err := db.Begin()
	if err == nil {
		_, err = tx.Exec(qlPrefsInit)
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, q: qlDialect}, nil
}

var mysqlDialect = dialect{
	get:    `SELECT pvalue FROM prefs WHERE node = ? AND pkey = ? LIMIT 1`,
	keys:   `SELECT pkey FROM prefs WHERE node = ? ORDER BY pkey`,
	remove: `DELETE FROM prefs WHERE node = ? AND pkey = ?`,
	insert: `INSERT INTO prefs (node, pkey, pvalue) VALUES (?, ?, ?)`,
}

// List of migrations to perform. Add new ones to the end.
// DO NOT change the order of items already in this list.
var mysqlMigrations = []migration.Migrator{
	mysqlschema1,
}

var mysqlVersioning = dbVersion{
	GetSQL:    `SELECT max(version) FROM migration_version`,
	SetSQL:    `INSERT INTO migration_version (version, applied) VALUES (?, now())`,
	CreateSQL: `CREATE TABLE migration_version (version INTEGER, applied datetime)`,
}

func openMysql(dial string) (*Store, error) {
	db, err := migration.OpenWith(
		"mysql",
		dial,
		mysqlMigrations,
		mysqlVersioning.Get,
		mysqlVersioning.Set)
	if err != nil {
		return nil, errors.Wrap(err, "open mysql")
	}
	return &Store{db: db, q: mysqlDialect}, nil
}

func mysqlschema1(tx migration.LimitedTx) error {
	_, err := tx.Exec(`CREATE TABLE IF NOT EXISTS prefs (
		node varchar(255),
		pkey varchar(255),
		pvalue text,
		PRIMARY KEY (node, pkey))`)
	return err
}

// dbVersion adapts the migration version functions to MySQL.
type dbVersion struct {
	// SQL to get the version of this db, returns one row and one column
	GetSQL string
	// SQL to insert a new version of this db. takes one parameter, the new
	// version
	SetSQL string
	// the SQL to create the version table for this db
	CreateSQL string
}

func (d dbVersion) Get(tx migration.LimitedTx) (int, error) {
	var version int
	if err := tx.QueryRow(d.GetSQL).Scan(&version); err != nil {
		// we assume error means there is no migration table
		return 0, nil
	}
	return version, nil
}

func (d dbVersion) Set(tx migration.LimitedTx, version int) error {
	if _, err := tx.Exec(d.SetSQL, version); err != nil {
		if _, err := tx.Exec(d.CreateSQL); err != nil {
			return err
		}
		_, err = tx.Exec(d.SetSQL, version)
		return err
	}
	return nil
}
