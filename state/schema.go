package state

var (
	// One row per ramp. Columns the store filters on are kept apart, the
	// rest of the aggregate lives in the json `data` column.
	rampTable = `CREATE TABLE IF NOT EXISTS ramp_states (
		id CHAR(36) PRIMARY KEY NOT NULL,
		type VARCHAR(4) NOT NULL,
		quoteId CHAR(36) UNIQUE NOT NULL,
		currentPhase VARCHAR(64) NOT NULL,
		locked INTEGER NOT NULL DEFAULT 0,
		lockedAt INTEGER,
		cleanupAttempted INTEGER NOT NULL DEFAULT 0,
		data TEXT NOT NULL,
		createdAt INTEGER NOT NULL,
		updatedAt INTEGER NOT NULL,
		CONSTRAINT chk_type CHECK (type IN ('BUY', 'SELL')),
		CONSTRAINT chk_lock CHECK (locked = 0 OR lockedAt IS NOT NULL)
	);
	CREATE INDEX IF NOT EXISTS idx_ramp_phase ON ramp_states (currentPhase, cleanupAttempted);`

	rampColumns = ` id, type, quoteId, currentPhase, locked, lockedAt, cleanupAttempted, data, createdAt, updatedAt `
)
