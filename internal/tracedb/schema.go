package tracedb

import (
	"database/sql"

	"codeberg.org/mutker/openvprof/internal/errors"
	"codeberg.org/mutker/openvprof/internal/logger"
)

const (
	SchemaVersion = 1

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS imports (
	       id           TEXT PRIMARY KEY,
	       path         TEXT NOT NULL,
	       file_size    INTEGER NOT NULL CHECK (file_size >= 0),
	       record_count INTEGER NOT NULL DEFAULT 0,
	       imported_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS records (
	       import_id TEXT NOT NULL REFERENCES imports(id) ON DELETE CASCADE,
	       seq       INTEGER NOT NULL,
	       kind      TEXT NOT NULL,
	       start_ns  INTEGER,
	       end_ns    INTEGER,
	       dev       INTEGER,
	       doc       TEXT NOT NULL,
	       PRIMARY KEY (import_id, seq)
	   );
	   CREATE INDEX IF NOT EXISTS records_kind ON records (import_id, kind);`

	insertImportSQL = `
    INSERT INTO imports (id, path, file_size, imported_at)
    VALUES (?, ?, ?, datetime('now'))`

	finishImportSQL = `UPDATE imports SET record_count = ? WHERE id = ?`

	insertRecordSQL = `
    INSERT INTO records (
        import_id, seq, kind,
        start_ns, end_ns, dev,
        doc
    ) VALUES (?, ?, ?, ?, ?, ?, ?)`

	selectImportSQL = `
    SELECT path, file_size, record_count, imported_at
    FROM imports
    WHERE id = ?`

	selectExtentSQL = `
    SELECT MIN(start_ns), MAX(end_ns)
    FROM records
    WHERE import_id = ? AND start_ns IS NOT NULL`

	selectKindCountsSQL = `
    SELECT kind, COUNT(*)
    FROM records
    WHERE import_id = ?
    GROUP BY kind
    ORDER BY kind`

	selectLatestImportSQL = `
    SELECT id
    FROM imports
    ORDER BY imported_at DESC, rowid DESC
    LIMIT 1`
)

var tables = []string{"records", "imports", "schema_versions"}

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating database...")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			SQL   string
		}{
			Error: err.Error(),
			SQL:   createTablesSQL,
		})
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "record_version",
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Debug().
		Int("version", SchemaVersion).
		Msg("Schema initialized")

	return nil
}

// GetSchemaVersion returns the current schema version, or 0 for an empty
// database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

// TableExists checks if a table exists
func TableExists(db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errors.New().WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}
	return exists, nil
}
