package snapshotdb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

// Migrations for the snapshot DB. Postgres and Sqlite disagree on auto-increment syntax.
func Migrations(log logs.Log, driver string) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	pk := "INTEGER PRIMARY KEY"
	if driver == dbh.DriverPostgres {
		pk = "BIGSERIAL PRIMARY KEY"
	}

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE snapshot(
			id `+pk+`,
			name TEXT NOT NULL,
			model_id TEXT NOT NULL,
			width INT NOT NULL,
			num_labels INT NOT NULL,
			num_examples INT NOT NULL,
			created_at BIGINT NOT NULL
		);
		CREATE INDEX idx_snapshot_name ON snapshot(name);
	`))

	return migs
}
