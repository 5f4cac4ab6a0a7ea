package quote

var (
	quoteTable = `CREATE TABLE IF NOT EXISTS quote_tickets (
		id CHAR(36) PRIMARY KEY NOT NULL,
		direction VARCHAR(4) NOT NULL,
		fromDesc TEXT NOT NULL,
		toDesc TEXT NOT NULL,
		inputAmount TEXT NOT NULL,
		inputCurrency TEXT NOT NULL,
		outputAmount TEXT NOT NULL,
		outputCurrency TEXT NOT NULL,
		feeNetwork TEXT NOT NULL,
		feeAnchor TEXT NOT NULL,
		feeVortex TEXT NOT NULL,
		feePartnerMarkup TEXT NOT NULL,
		feeTotal TEXT NOT NULL,
		feeCurrency TEXT NOT NULL,
		discount TEXT NOT NULL,
		partnerId TEXT,
		apiKey TEXT,
		paymentMethod TEXT NOT NULL,
		network TEXT NOT NULL,
		countryCode TEXT,
		userId TEXT,
		createdAt INTEGER NOT NULL,
		expiresAt INTEGER NOT NULL,
		status VARCHAR(10) NOT NULL,
		CONSTRAINT chk_status CHECK (status IN ('pending', 'consumed', 'expired')),
		CONSTRAINT chk_direction CHECK (direction IN ('BUY', 'SELL'))
	);
	CREATE INDEX IF NOT EXISTS idx_quote_status ON quote_tickets (status, expiresAt);`

	quoteColumns = ` id, direction, fromDesc, toDesc, inputAmount, inputCurrency, outputAmount, outputCurrency,
		feeNetwork, feeAnchor, feeVortex, feePartnerMarkup, feeTotal, feeCurrency, discount, partnerId, apiKey,
		paymentMethod, network, countryCode, userId, createdAt, expiresAt, status `
)
