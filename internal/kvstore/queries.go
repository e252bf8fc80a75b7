package kvstore

const (
	schemaRecords = `
	CREATE TABLE IF NOT EXISTS records (
		ns TEXT NOT NULL,
		k TEXT NOT NULL,
		value BLOB NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (ns, k)
	);

	CREATE INDEX IF NOT EXISTS idx_records_ns ON records(ns);
	`

	queryGetRecord = `
		SELECT value, version FROM records WHERE ns = ? AND k = ?`

	queryInsertRecord = `
		INSERT OR IGNORE INTO records (ns, k, value) VALUES (?, ?, ?)`

	queryUpsertRecord = `
		INSERT INTO records (ns, k, value) VALUES (?, ?, ?)
		ON CONFLICT(ns, k) DO UPDATE SET
			value = excluded.value,
			version = records.version + 1,
			updated_at = CURRENT_TIMESTAMP`

	queryUpdateRecord = `
		UPDATE records
		SET value = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE ns = ? AND k = ? AND version = ?`

	queryDeleteRecord = `
		DELETE FROM records WHERE ns = ? AND k = ?`

	queryListRecords = `
		SELECT k, value, version FROM records
		WHERE ns = ? AND k LIKE ?
		ORDER BY k`
)
