// Package database owns the SQLite file behind the device registry.
//
// The registry is written by a single goroutine (the device recorder), so
// the pool holds one connection and write transactions start IMMEDIATE.
// WAL mode keeps API reads from blocking that writer.
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if errors.Is(err, database.ErrDisabled) {
//	    // run without a registry
//	}
//	defer db.Close()
//
//	applied, err := db.Migrate(ctx, migrations.FS)
//
// Migrations:
//
// Files are named <YYYYMMDD>_<HHMMSS>_<name>.up.sql with an optional
// matching .down.sql, and are applied in version order, one transaction
// each. MigrateDown reverts the newest one; coapbridge -migrate-down
// exposes it for operators. The database file is created with mode 0600.
package database
