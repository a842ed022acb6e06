// Package tracedb imports finished traces into SQLite so they can be
// summarized and queried.
package tracedb

import (
	"context"
	"database/sql"
	"io"
	"os"
	"path/filepath"
	"time"

	"codeberg.org/mutker/openvprof/internal/errors"
	"codeberg.org/mutker/openvprof/internal/logger"
	"codeberg.org/mutker/openvprof/internal/sink"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// DB holds imported traces.
type DB struct {
	db     *sql.DB
	logger logger.Logger
	cfg    Config
	wal    bool
}

// Import describes one imported trace file.
type Import struct {
	ID       string
	Path     string
	FileSize int64
	Records  int64
}

// KindCount is the number of documents of one kind in an import.
type KindCount struct {
	Kind  string
	Count int64
}

// Stats summarizes an import.
type Stats struct {
	Import
	// FirstNS and LastNS bound the timestamped documents. HasExtent is false
	// when the trace holds none.
	FirstNS   uint64
	LastNS    uint64
	HasExtent bool
	Counts    []KindCount
}

// Elapsed is the time between the first and the last timestamp.
func (s *Stats) Elapsed() time.Duration {
	if !s.HasExtent || s.LastNS < s.FirstNS {
		return 0
	}
	return time.Duration(s.LastNS - s.FirstNS)
}

// Count returns the number of documents of the given kind.
func (s *Stats) Count(kind string) int64 {
	for _, c := range s.Counts {
		if c.Kind == kind {
			return c.Count
		}
	}
	return 0
}

// document holds the columns extracted from a trace document.
type document struct {
	Kind           string  `json:"kind"`
	WallStartNS    *uint64 `json:"wall_start_ns"`
	WallDurationNS *uint64 `json:"wall_duration_ns"`
	Device         *uint32 `json:"dev"`
}

func Open(cfg Config, log logger.Logger) (*DB, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaultBatchSize
	}

	log = log.With("tracedb")

	dsn := cfg.DBPath
	wal := cfg.DBPath != MemoryPath
	if wal {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
			return nil, errFactory.WithData(ErrStorageInit, struct {
				Phase string
				Path  string
				Error string
			}{
				Phase: "create_directory",
				Path:  cfg.DBPath,
				Error: err.Error(),
			})
		}
		dsn += "?_journal=WAL&_foreign_keys=1"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	if err := ValidateAndUpdateSchema(db, cfg.BackupDir, log); err != nil {
		_ = db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	log.Debug().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Msg("Trace database opened")

	return &DB{db: db, logger: log, cfg: cfg, wal: wal}, nil
}

// Import reads the trace at path and stores every document. CompressionAuto
// picks the framing from the path extension. A failed import leaves nothing
// behind.
func (d *DB) Import(ctx context.Context, path string, c sink.Compression) (*Import, error) {
	errFactory := errors.New()

	info, err := os.Stat(path)
	if err != nil {
		return nil, errFactory.Wrap(ErrImportFailed, err)
	}

	r, err := sink.Open(path, c)
	if err != nil {
		return nil, errFactory.Wrap(ErrImportFailed, err)
	}
	defer func() {
		if err := r.Close(); err != nil {
			d.logger.Debug().Err(err).Msg("Failed to close trace")
		}
	}()

	imp := &Import{
		ID:       uuid.NewString(),
		Path:     path,
		FileSize: info.Size(),
	}

	if _, err := d.db.ExecContext(ctx, insertImportSQL, imp.ID, imp.Path, imp.FileSize); err != nil {
		return nil, errFactory.Wrap(ErrTransactionFailed, err)
	}

	batch := make([]json.RawMessage, 0, d.cfg.BatchSize)
	for {
		doc, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, d.abort(imp.ID, errFactory.Wrap(ErrImportFailed, err))
		}

		batch = append(batch, doc)
		if len(batch) < d.cfg.BatchSize {
			continue
		}
		if err := d.flush(ctx, imp, batch); err != nil {
			return nil, d.abort(imp.ID, err)
		}
		batch = batch[:0]
	}

	if err := d.flush(ctx, imp, batch); err != nil {
		return nil, d.abort(imp.ID, err)
	}

	if _, err := d.db.ExecContext(ctx, finishImportSQL, imp.Records, imp.ID); err != nil {
		return nil, d.abort(imp.ID, errFactory.Wrap(ErrTransactionFailed, err))
	}

	d.logger.Info().
		Str("import_id", imp.ID).
		Str("path", path).
		Int64("records", imp.Records).
		Msg("Trace imported")

	return imp, nil
}

// flush inserts one batch of documents in a transaction.
func (d *DB) flush(ctx context.Context, imp *Import, batch []json.RawMessage) error {
	if len(batch) == 0 {
		return nil
	}

	errFactory := errors.New()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				d.logger.Error().Err(err).Msg("Failed to roll back transaction")
			}
		}
	}()

	stmt, err := tx.PrepareContext(ctx, insertRecordSQL)
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	seq := imp.Records
	for _, raw := range batch {
		var doc document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return errFactory.WithData(ErrInvalidDocument, struct {
				Seq   int64
				Error string
			}{seq, err.Error()})
		}
		if doc.Kind == "" {
			return errFactory.WithData(ErrInvalidDocument, struct {
				Seq   int64
				Error string
			}{seq, "missing kind"})
		}

		var start, end, dev any
		if doc.WallStartNS != nil {
			start = int64(*doc.WallStartNS)
			end = start
			if doc.WallDurationNS != nil {
				end = int64(*doc.WallStartNS + *doc.WallDurationNS)
			}
		}
		if doc.Device != nil {
			dev = int64(*doc.Device)
		}

		if _, err := stmt.ExecContext(ctx, imp.ID, seq, doc.Kind, start, end, dev, string(raw)); err != nil {
			return errFactory.Wrap(ErrTransactionFailed, err)
		}
		seq++
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	committed = true

	imp.Records = seq
	d.logger.Debug().Int("records", len(batch)).Msg("Flushed documents to database")

	return nil
}

// abort removes a partially imported trace and returns cause.
func (d *DB) abort(id string, cause error) error {
	if _, err := d.db.Exec(`DELETE FROM records WHERE import_id = ?`, id); err != nil {
		d.logger.Error().Err(err).Str("import_id", id).Msg("Failed to remove partial import")
		return cause
	}
	if _, err := d.db.Exec(`DELETE FROM imports WHERE id = ?`, id); err != nil {
		d.logger.Error().Err(err).Str("import_id", id).Msg("Failed to remove partial import")
	}
	return cause
}

// Latest returns the id of the most recent import.
func (d *DB) Latest(ctx context.Context) (string, error) {
	var id string
	err := d.db.QueryRowContext(ctx, selectLatestImportSQL).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.New().New(ErrImportNotFound)
	}
	if err != nil {
		return "", errors.New().Wrap(ErrQueryFailed, err)
	}
	return id, nil
}

// Stats summarizes the import with the given id.
func (d *DB) Stats(ctx context.Context, id string) (*Stats, error) {
	errFactory := errors.New()

	s := &Stats{Import: Import{ID: id}}

	var importedAt string
	err := d.db.QueryRowContext(ctx, selectImportSQL, id).
		Scan(&s.Path, &s.FileSize, &s.Records, &importedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errFactory.WithData(ErrImportNotFound, id)
	}
	if err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}

	var first, last sql.NullInt64
	if err := d.db.QueryRowContext(ctx, selectExtentSQL, id).Scan(&first, &last); err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}
	if first.Valid && last.Valid {
		s.FirstNS = uint64(first.Int64)
		s.LastNS = uint64(last.Int64)
		s.HasExtent = true
	}

	rows, err := d.db.QueryContext(ctx, selectKindCountsSQL, id)
	if err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}
	defer rows.Close()

	for rows.Next() {
		var c KindCount
		if err := rows.Scan(&c.Kind, &c.Count); err != nil {
			return nil, errFactory.Wrap(ErrQueryFailed, err)
		}
		s.Counts = append(s.Counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}

	return s, nil
}

func (d *DB) Close() error {
	errFactory := errors.New()

	if d.wal {
		if _, err := d.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			_ = d.db.Close()
			return errFactory.WithData(ErrStorageClose, struct {
				Phase string
				Error string
			}{
				Phase: "checkpoint_wal",
				Error: err.Error(),
			})
		}
	}

	if err := d.db.Close(); err != nil {
		return errFactory.WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	return nil
}
