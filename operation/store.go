package operation

import (
	"database/sql"
	"errors"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	logger "github.com/sirupsen/logrus"

	"github.com/btfbridge-io/bridge-go/agreement"
	"github.com/btfbridge-io/bridge-go/common"
	"github.com/btfbridge-io/bridge-go/database"
)

var (
	// ErrOperationAmbiguous is returned when a wallet's active set already
	// holds an operation with the same low-32-bit nonce as the fresh id.
	ErrOperationAmbiguous = errors.New("operation nonce would be ambiguous within the wallet's active set")

	ErrOperationNotFound = errors.New("operation not found")
)

// Store is the durable map OperationId -> OperationLog, with secondary
// indices by wallet address, by (memo, wallet) and by nonce.
type Store struct {
	stmtCache *database.StmtCache
	codec     Codec
	now       func() time.Time
}

func NewStore(db *sql.DB, codec Codec) (*Store, error) {
	if _, err := db.Exec(operationsTable + stepsTable + counterTable); err != nil {
		return nil, err
	}

	return &Store{
		stmtCache: database.NewStmtCache(db),
		codec:     codec,
		now:       time.Now,
	}, nil
}

func (s *Store) Close() {
	s.stmtCache.Clear()
}

// NewOperation allocates a fresh id, stores the creation entry and indexes
// the operation by wallet and, when given, by memo.
func (s *Store) NewOperation(op Operation, memo *agreement.Memo) (OperationId, error) {
	payload, err := s.codec.Encode(op)
	if err != nil {
		return 0, err
	}
	wallet := walletHex(op.EVMAddress())

	tx, err := s.stmtCache.DB().Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var next uint64
	if err := tx.QueryRow(`SELECT next FROM operation_counter WHERE id = 0`).Scan(&next); err != nil {
		return 0, err
	}
	id := OperationId(next)

	// nonce ambiguity guard: more than 2^32 live operations for one wallet
	// would make update-by-nonce undecidable
	var clashes int
	err = tx.QueryRow(
		`SELECT COUNT(*) FROM operations WHERE wallet = ? AND complete = 0 AND (id % 4294967296) = ?`,
		wallet, int64(id.Nonce()),
	).Scan(&clashes)
	if err != nil {
		return 0, err
	}
	if clashes > 0 {
		return 0, ErrOperationAmbiguous
	}

	var memoHex interface{}
	if memo != nil {
		memoHex = common.ByteSliceToPureHexStr(memo[:])
	}

	if _, err := tx.Exec(
		`INSERT INTO operations (id, wallet, memo, complete) VALUES (?, ?, ?, ?)`,
		int64(id), wallet, memoHex, op.IsComplete(),
	); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(
		`INSERT INTO operation_steps (opId, seq, ts, ok, payload, errMsg) VALUES (?, 0, ?, 1, ?, NULL)`,
		int64(id), s.now().UnixNano(), payload,
	); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`UPDATE operation_counter SET next = ? WHERE id = 0`, int64(next+1)); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	logger.WithFields(logger.Fields{
		"op":     id,
		"wallet": wallet,
	}).Debug("operation created")

	return id, nil
}

// Get returns the current payload of the operation.
func (s *Store) Get(id OperationId) (Operation, bool, error) {
	payload, ok, err := s.currentPayload(id)
	if err != nil || !ok {
		return nil, false, err
	}
	op, err := s.codec.Decode(payload)
	if err != nil {
		return nil, false, err
	}
	return op, true, nil
}

// Update appends a new Ok entry with the given state. Absent ids are logged
// and ignored.
func (s *Store) Update(id OperationId, op Operation) error {
	payload, err := s.codec.Encode(op)
	if err != nil {
		return err
	}

	tx, err := s.stmtCache.DB().Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE operations SET complete = ? WHERE id = ?`, op.IsComplete(), int64(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		logger.Errorf("cannot update operation %s: not found", id)
		return nil
	}

	if err := appendStep(tx, id, s.now().UnixNano(), true, payload, ""); err != nil {
		return err
	}

	return tx.Commit()
}

// AppendError records a failed step. The current state is unchanged.
func (s *Store) AppendError(id OperationId, errMsg string) error {
	tx, err := s.stmtCache.DB().Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := appendStep(tx, id, s.now().UnixNano(), false, nil, errMsg); err != nil {
		return err
	}
	return tx.Commit()
}

// FindByNonce locates the wallet's operation whose id's low 32 bits equal
// nonce.
func (s *Store) FindByNonce(wallet ethcommon.Address, nonce uint32) (OperationId, bool, error) {
	stmt, err := s.stmtCache.Prepare(
		`SELECT id FROM operations WHERE wallet = ? AND (id % 4294967296) = ? ORDER BY id DESC LIMIT 1`)
	if err != nil {
		return 0, false, err
	}

	var rawID int64
	if err := stmt.QueryRow(walletHex(wallet), int64(nonce)).Scan(&rawID); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, err
	}
	return OperationId(rawID), true, nil
}

// UpdateByNonce finds the wallet's operation whose id's low 32 bits equal
// nonce and updates it.
func (s *Store) UpdateByNonce(wallet ethcommon.Address, nonce uint32, op Operation) (OperationId, bool, error) {
	id, ok, err := s.FindByNonce(wallet, nonce)
	if err != nil || !ok {
		return 0, false, err
	}
	if err := s.Update(id, op); err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// List returns the wallet's operations ordered by id, optionally starting at
// minID and paged.
func (s *Store) List(wallet ethcommon.Address, minID *OperationId, p *Pagination) ([]OperationId, []Operation, error) {
	min := int64(0)
	if minID != nil {
		min = int64(*minID)
	}
	offset, count := 0, -1
	if p != nil {
		offset, count = p.Offset, p.Count
	}

	stmt, err := s.stmtCache.Prepare(
		`SELECT id FROM operations WHERE wallet = ? AND id >= ? ORDER BY id LIMIT ? OFFSET ?`)
	if err != nil {
		return nil, nil, err
	}

	rows, err := stmt.Query(walletHex(wallet), min, count, offset)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var ids []OperationId
	for rows.Next() {
		var rawID int64
		if err := rows.Scan(&rawID); err != nil {
			return nil, nil, err
		}
		ids = append(ids, OperationId(rawID))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	ops := make([]Operation, 0, len(ids))
	for _, id := range ids {
		op, ok, err := s.Get(id)
		if err != nil || !ok {
			return nil, nil, err
		}
		ops = append(ops, op)
	}
	return ids, ops, nil
}

// Incomplete lists every operation that has not reached a terminal stage,
// in id order. Used on startup to repopulate the in-memory service queues.
func (s *Store) Incomplete() ([]OperationId, []Operation, error) {
	stmt, err := s.stmtCache.Prepare(
		`SELECT id FROM operations WHERE complete = 0 ORDER BY id`)
	if err != nil {
		return nil, nil, err
	}

	rows, err := stmt.Query()
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var ids []OperationId
	for rows.Next() {
		var rawID int64
		if err := rows.Scan(&rawID); err != nil {
			return nil, nil, err
		}
		ids = append(ids, OperationId(rawID))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	ops := make([]Operation, 0, len(ids))
	for _, id := range ids {
		op, ok, err := s.Get(id)
		if err != nil || !ok {
			return nil, nil, err
		}
		ops = append(ops, op)
	}
	return ids, ops, nil
}

// GetByMemoAndUser looks an operation up by its memo tag.
func (s *Store) GetByMemoAndUser(memo agreement.Memo, wallet ethcommon.Address) (OperationId, Operation, bool, error) {
	stmt, err := s.stmtCache.Prepare(
		`SELECT id FROM operations WHERE wallet = ? AND memo = ?`)
	if err != nil {
		return 0, nil, false, err
	}

	var rawID int64
	err = stmt.QueryRow(walletHex(wallet), common.ByteSliceToPureHexStr(memo[:])).Scan(&rawID)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil, false, nil
		}
		return 0, nil, false, err
	}

	op, ok, err := s.Get(OperationId(rawID))
	return OperationId(rawID), op, ok, err
}

// MemosByUser lists every memo tag attached to the wallet's operations.
func (s *Store) MemosByUser(wallet ethcommon.Address) ([]agreement.Memo, error) {
	stmt, err := s.stmtCache.Prepare(
		`SELECT memo FROM operations WHERE wallet = ? AND memo IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(walletHex(wallet))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var memos []agreement.Memo
	for rows.Next() {
		var memoHex string
		if err := rows.Scan(&memoHex); err != nil {
			return nil, err
		}
		var memo agreement.Memo
		copy(memo[:], common.HexStrToByteSlice(memoHex))
		memos = append(memos, memo)
	}
	return memos, rows.Err()
}

// GetLog returns the full history of an operation.
func (s *Store) GetLog(id OperationId) (*OperationLog, bool, error) {
	stmt, err := s.stmtCache.Prepare(`SELECT wallet, memo FROM operations WHERE id = ?`)
	if err != nil {
		return nil, false, err
	}

	var wallet string
	var memoHex sql.NullString
	if err := stmt.QueryRow(int64(id)).Scan(&wallet, &memoHex); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}

	log := &OperationLog{
		WalletAddress: ethcommon.HexToAddress(wallet),
	}
	if memoHex.Valid {
		var memo agreement.Memo
		copy(memo[:], common.HexStrToByteSlice(memoHex.String))
		log.Memo = &memo
	}

	stepsStmt, err := s.stmtCache.Prepare(
		`SELECT ts, ok, payload, errMsg FROM operation_steps WHERE opId = ? ORDER BY seq`)
	if err != nil {
		return nil, false, err
	}
	rows, err := stepsStmt.Query(int64(id))
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	for rows.Next() {
		var entry LogEntry
		var payload []byte
		var errMsg sql.NullString
		if err := rows.Scan(&entry.TimestampNs, &entry.Ok, &payload, &errMsg); err != nil {
			return nil, false, err
		}
		entry.Payload = payload
		if errMsg.Valid {
			entry.ErrMsg = errMsg.String
		}
		log.Entries = append(log.Entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	return log, true, nil
}

func (s *Store) currentPayload(id OperationId) ([]byte, bool, error) {
	stmt, err := s.stmtCache.Prepare(
		`SELECT payload FROM operation_steps WHERE opId = ? AND ok = 1 ORDER BY seq DESC LIMIT 1`)
	if err != nil {
		return nil, false, err
	}

	var payload []byte
	if err := stmt.QueryRow(int64(id)).Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	return payload, true, nil
}

// appendStep inserts a new log entry and enforces the retention bound:
// the creation entry and the newest entries survive, interior history is
// dropped oldest-first.
func appendStep(tx *sql.Tx, id OperationId, ts int64, ok bool, payload []byte, errMsg string) error {
	var maxSeq sql.NullInt64
	if err := tx.QueryRow(
		`SELECT MAX(seq) FROM operation_steps WHERE opId = ?`, int64(id),
	).Scan(&maxSeq); err != nil {
		return err
	}
	if !maxSeq.Valid {
		return ErrOperationNotFound
	}

	var errArg interface{}
	if !ok {
		errArg = errMsg
	}
	if _, err := tx.Exec(
		`INSERT INTO operation_steps (opId, seq, ts, ok, payload, errMsg) VALUES (?, ?, ?, ?, ?, ?)`,
		int64(id), maxSeq.Int64+1, ts, ok, payload, errArg,
	); err != nil {
		return err
	}

	var total int
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM operation_steps WHERE opId = ?`, int64(id),
	).Scan(&total); err != nil {
		return err
	}
	if total > MaxLogEntries {
		// the latest ok entry carries the current state, a run of error
		// appends must never trim it away
		var stateSeq int64
		if err := tx.QueryRow(
			`SELECT MAX(seq) FROM operation_steps WHERE opId = ? AND ok = 1`, int64(id),
		).Scan(&stateSeq); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`DELETE FROM operation_steps WHERE opId = ? AND seq > 0 AND seq <> ? AND seq IN (
				SELECT seq FROM operation_steps WHERE opId = ? AND seq > 0 AND seq <> ?
				ORDER BY seq LIMIT ?
			)`,
			int64(id), stateSeq, int64(id), stateSeq, total-MaxLogEntries,
		); err != nil {
			return err
		}
	}

	return nil
}

func walletHex(addr ethcommon.Address) string {
	return common.ByteSliceToPureHexStr(addr.Bytes())
}
