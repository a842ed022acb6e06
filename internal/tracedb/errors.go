package tracedb

import "codeberg.org/mutker/openvprof/internal/errors"

const (
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidDBPath = errors.ErrorCode("tracedb_invalid_db_path")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("tracedb_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("tracedb_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("tracedb_schema_migration_failed")
	ErrTransactionFailed      = errors.ErrorCode("tracedb_transaction_failed")

	// Storage Errors
	ErrStorageInit  = errors.ErrInitFailed
	ErrStorageClose = errors.ErrShutdownFailed
	ErrQueryFailed  = errors.ErrorCode("tracedb_query_failed")

	// Import Errors
	ErrImportFailed    = errors.ErrorCode("tracedb_import_failed")
	ErrInvalidDocument = errors.ErrorCode("tracedb_invalid_document")
	ErrImportNotFound  = errors.ErrorCode("tracedb_import_not_found")
)
