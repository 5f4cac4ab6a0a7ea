package webhook

var deliveryTable = `CREATE TABLE IF NOT EXISTS webhook_deliveries (
	id CHAR(36) PRIMARY KEY NOT NULL,
	eventType VARCHAR(32) NOT NULL,
	transactionId CHAR(36) NOT NULL,
	event TEXT NOT NULL,
	status VARCHAR(16) NOT NULL,
	attempt INTEGER NOT NULL DEFAULT 0,
	maxAttempts INTEGER NOT NULL,
	nextRetryAt INTEGER,
	lastError TEXT NOT NULL DEFAULT '',
	createdAt INTEGER NOT NULL,
	CONSTRAINT chk_status CHECK (status IN ('pending', 'delivered', 'failed'))
);
CREATE INDEX IF NOT EXISTS idx_delivery_due ON webhook_deliveries (status, nextRetryAt);`

const deliveryColumns = ` id, eventType, transactionId, event, status, attempt, maxAttempts, nextRetryAt, lastError, createdAt `
