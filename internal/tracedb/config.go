package tracedb

import "codeberg.org/mutker/openvprof/internal/errors"

const (
	defaultDirPerm   = 0o755
	defaultBatchSize = 1000

	// MemoryPath keeps the database in memory for a single run.
	MemoryPath = ":memory:"
)

type Config struct {
	DBPath string
	// BackupDir receives a copy of a database whose schema version does not
	// match before it is recreated. Empty disables backups.
	BackupDir string
	// BatchSize is the number of documents inserted per transaction.
	BatchSize int
}

func DefaultConfig() Config {
	return Config{
		DBPath:    MemoryPath,
		BatchSize: defaultBatchSize,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 0 {
		return errFactory.WithData(ErrInvalidConfig, struct {
			Field string
			Value int
		}{"batch_size", c.BatchSize})
	}
	return nil
}
