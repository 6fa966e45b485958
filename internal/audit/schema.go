package audit

const (
	tableSchema = `
		CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			correlation_id TEXT NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			venue_id TEXT NOT NULL DEFAULT '',
			decision TEXT NOT NULL CHECK(decision IN ('allow', 'deny')),
			mode TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`

	triggerPreventUpdate = `
		CREATE TRIGGER IF NOT EXISTS prevent_audit_update
		BEFORE UPDATE ON audit_log
		FOR EACH ROW
		BEGIN
			SELECT RAISE(FAIL, 'Updates not allowed on audit_log');
		END`

	triggerPreventDelete = `
		CREATE TRIGGER IF NOT EXISTS prevent_audit_delete
		BEFORE DELETE ON audit_log
		FOR EACH ROW
		BEGIN
			SELECT RAISE(FAIL, 'Deletes not allowed on audit_log');
		END`

	indexTimestamp = `
		CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp DESC)`

	indexVenue = `
		CREATE INDEX IF NOT EXISTS idx_audit_venue ON audit_log(venue_id, timestamp DESC)`

	indexCorrelation = `
		CREATE INDEX IF NOT EXISTS idx_audit_correlation ON audit_log(correlation_id)`
)

func schemaStatements() []string {
	return []string{
		tableSchema,
		triggerPreventUpdate,
		triggerPreventDelete,
		indexTimestamp,
		indexVenue,
		indexCorrelation,
	}
}
