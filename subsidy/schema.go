package subsidy

var (
	subsidyTable = `CREATE TABLE IF NOT EXISTS subsidies (
		id CHAR(36) PRIMARY KEY NOT NULL,
		rampId CHAR(36) NOT NULL,
		phase VARCHAR(64) NOT NULL,
		network VARCHAR(16) NOT NULL,
		token VARCHAR(16) NOT NULL,
		payer TEXT NOT NULL,
		amount TEXT NOT NULL,
		txRef TEXT NOT NULL,
		status VARCHAR(16) NOT NULL,
		tx TEXT,
		submittedAt INTEGER NOT NULL,
		paidAt INTEGER,
		UNIQUE (rampId, phase),
		CONSTRAINT chk_status CHECK (status IN ('pending', 'paid', 'failed'))
	);
	CREATE INDEX IF NOT EXISTS idx_subsidy_ramp ON subsidies (rampId, token);`

	subsidyColumns = ` id, rampId, phase, network, token, payer, amount, txRef, status, tx, submittedAt, paidAt `
)
