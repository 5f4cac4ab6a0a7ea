/*
SQLiteChainTxMgrDB implements ChainTxMgrDB.
Table is chain_tx_mgr_db

Internally,

1) If the *big.Int == nil, then it is stored as -1 in SQLite.
2) Other positive *big.Int is stored as int64 in the database.
3) If SQLite stored as -1, then when restore the object field, the field is nil.
*/
package chaintxmgrdb

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/TEENet-io/ramp-go/database"
	"github.com/mattn/go-sqlite3"
)

const columns = `TxIdentifier, RampId, Phase, Network, VariantOffset, SentBlockchainLedgerNumber, FoundBlockchainLedgerNumber, SentAt, TxStatus`

type SQLiteChainTxMgrDB struct {
	stmtCache *database.StmtCache
}

func NewSQLiteChainTxMgrDB(db *sql.DB) (*SQLiteChainTxMgrDB, error) {
	storage := &SQLiteChainTxMgrDB{stmtCache: database.NewStmtCache(db)}
	if err := storage.init(db); err != nil {
		return nil, err
	}
	return storage, nil
}

// Table's row structure is according to MonitoredTx
func (s *SQLiteChainTxMgrDB) init(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS chain_tx_mgr_db (
		TxIdentifier TEXT PRIMARY KEY,
		RampId TEXT NOT NULL,
		Phase TEXT NOT NULL,
		Network TEXT NOT NULL,
		VariantOffset INTEGER NOT NULL,
		SentBlockchainLedgerNumber INTEGER,
		FoundBlockchainLedgerNumber INTEGER,
		SentAt INTEGER NOT NULL,
		TxStatus TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_ref_identifier ON chain_tx_mgr_db (RampId, Phase);
	CREATE INDEX IF NOT EXISTS idx_tx_status ON chain_tx_mgr_db (TxStatus);
	`
	_, err := db.Exec(query)
	return err
}

func (s *SQLiteChainTxMgrDB) Close() {
	s.stmtCache.Clear()
}

func (s *SQLiteChainTxMgrDB) InsertMonitoredTx(ctx context.Context, tx *MonitoredTx) error {
	stmt, err := s.stmtCache.Prepare(`INSERT INTO chain_tx_mgr_db (` + columns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, tx.TxIdentifier, tx.RampID, tx.Phase, tx.Network, tx.Offset,
		toLedger(tx.SentBlockchainLedgerNumber), toLedger(tx.FoundBlockchainLedgerNumber),
		tx.SentAt.UnixMilli(), tx.TxStatus)

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
		return ErrDuplicateSubmission
	}
	return err
}

func (s *SQLiteChainTxMgrDB) GetMonitoredTxByTxIdentifier(ctx context.Context, identifier string) (*MonitoredTx, error) {
	txs, err := s.query(ctx, `SELECT `+columns+` FROM chain_tx_mgr_db WHERE TxIdentifier = ?;`, identifier)
	if err != nil || len(txs) == 0 {
		return nil, err
	}
	return txs[0], nil
}

func (s *SQLiteChainTxMgrDB) GetMonitoredTxByRef(ctx context.Context, rampID, phase string) ([]*MonitoredTx, error) {
	return s.query(ctx, `SELECT `+columns+` FROM chain_tx_mgr_db WHERE RampId = ? AND Phase = ? ORDER BY VariantOffset, SentAt;`, rampID, phase)
}

func (s *SQLiteChainTxMgrDB) GetMonitoredTxByStatus(ctx context.Context, status ...agreement.MonitoredTxStatus) ([]*MonitoredTx, error) {
	if len(status) == 0 {
		return nil, nil
	}
	query := `SELECT ` + columns + ` FROM chain_tx_mgr_db WHERE TxStatus IN (?` + strings.Repeat(", ?", len(status)-1) + `) ORDER BY SentAt;`
	args := make([]interface{}, len(status))
	for i, s := range status {
		args[i] = s
	}
	return s.query(ctx, query, args...)
}

func (s *SQLiteChainTxMgrDB) UpdateSent(ctx context.Context, identifier string, sentAt *big.Int, at time.Time) error {
	return s.exec(ctx, `UPDATE chain_tx_mgr_db SET SentBlockchainLedgerNumber = ?, SentAt = ? WHERE TxIdentifier = ?;`, toLedger(sentAt), at.UnixMilli(), identifier)
}

func (s *SQLiteChainTxMgrDB) UpdateFound(ctx context.Context, identifier string, foundAt *big.Int) error {
	return s.exec(ctx, `UPDATE chain_tx_mgr_db SET FoundBlockchainLedgerNumber = ? WHERE TxIdentifier = ?;`, toLedger(foundAt), identifier)
}

func (s *SQLiteChainTxMgrDB) UpdateTxStatus(ctx context.Context, identifier string, status agreement.MonitoredTxStatus) error {
	return s.exec(ctx, `UPDATE chain_tx_mgr_db SET TxStatus = ? WHERE TxIdentifier = ?;`, status, identifier)
}

func (s *SQLiteChainTxMgrDB) exec(ctx context.Context, query string, args ...interface{}) error {
	stmt, err := s.stmtCache.Prepare(query)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, args...)
	return err
}

func (s *SQLiteChainTxMgrDB) query(ctx context.Context, query string, args ...interface{}) ([]*MonitoredTx, error) {
	stmt, err := s.stmtCache.Prepare(query)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*MonitoredTx
	for rows.Next() {
		tx := &MonitoredTx{}
		var sentLedgerNumber, foundLedgerNumber, sentAt int64
		if err := rows.Scan(&tx.TxIdentifier, &tx.RampID, &tx.Phase, &tx.Network, &tx.Offset,
			&sentLedgerNumber, &foundLedgerNumber, &sentAt, &tx.TxStatus); err != nil {
			return nil, err
		}
		tx.SentBlockchainLedgerNumber = fromLedger(sentLedgerNumber)
		tx.FoundBlockchainLedgerNumber = fromLedger(foundLedgerNumber)
		tx.SentAt = time.UnixMilli(sentAt).UTC()
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func toLedger(n *big.Int) int64 {
	if n == nil {
		return -1
	}
	return n.Int64()
}

func fromLedger(n int64) *big.Int {
	if n == -1 {
		return nil
	}
	return big.NewInt(n)
}
