// Package ledger tracks the bridge wallet's bitcoin outputs. The active set
// holds spendable utxos; the used registry is the anti-replay anchor: a utxo
// enters it exactly once, atomically, before any value is released on the
// EVM side.
package ledger

import (
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/btfbridge-io/bridge-go/agreement"
	"github.com/btfbridge-io/bridge-go/common"
	"github.com/btfbridge-io/bridge-go/database"
)

// UsedUtxoTTL bounds how long the used registry remembers a spent output.
// Three days is far past any realistic reorg depth.
const UsedUtxoTTL = 72 * time.Hour

// MaxOwnerLen caps the opaque owner tag stored with a used utxo.
const MaxOwnerLen = 96

var ErrOwnerTooLong = errors.New("used utxo owner tag exceeds 96 bytes")

// UtxoDetails describes a spendable output of the bridge wallet.
type UtxoDetails struct {
	Value          uint64   `json:"value"`
	Script         []byte   `json:"script"`
	DerivationPath [][]byte `json:"derivation_path"`
}

// UsedUtxoDetails records when and for whom an output was consumed.
type UsedUtxoDetails struct {
	UsedAtNs int64
	Owner    []byte
}

type Ledger struct {
	stmtCache *database.StmtCache
	now       func() time.Time
}

func New(db *sql.DB) (*Ledger, error) {
	if _, err := db.Exec(activeUtxosTable + usedUtxosTable); err != nil {
		return nil, err
	}
	return &Ledger{
		stmtCache: database.NewStmtCache(db),
		now:       time.Now,
	}, nil
}

func (l *Ledger) Close() {
	l.stmtCache.Clear()
}

// Deposit adds an output to the active set. Re-adding an existing key
// overwrites its details.
func (l *Ledger) Deposit(key UtxoKey, details UtxoDetails) error {
	path, err := json.Marshal(details.DerivationPath)
	if err != nil {
		return err
	}
	stmt, err := l.stmtCache.Prepare(
		`INSERT INTO active_utxos (key, value, script, path) VALUES (?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value,
			script = excluded.script, path = excluded.path`)
	if err != nil {
		return err
	}
	enc := key.Encode()
	_, err = stmt.Exec(common.ByteSliceToPureHexStr(enc[:]), int64(details.Value), details.Script, string(path))
	return err
}

// Get returns the active details of a key.
func (l *Ledger) Get(key UtxoKey) (UtxoDetails, bool, error) {
	stmt, err := l.stmtCache.Prepare(
		`SELECT value, script, path FROM active_utxos WHERE key = ?`)
	if err != nil {
		return UtxoDetails{}, false, err
	}

	var details UtxoDetails
	var value int64
	var path string
	enc := key.Encode()
	err = stmt.QueryRow(common.ByteSliceToPureHexStr(enc[:])).Scan(&value, &details.Script, &path)
	if err == sql.ErrNoRows {
		return UtxoDetails{}, false, nil
	}
	if err != nil {
		return UtxoDetails{}, false, err
	}
	details.Value = uint64(value)
	if err := json.Unmarshal([]byte(path), &details.DerivationPath); err != nil {
		return UtxoDetails{}, false, err
	}
	return details, true, nil
}

// Active lists the whole active set in key order.
func (l *Ledger) Active() ([]UtxoKey, []UtxoDetails, error) {
	stmt, err := l.stmtCache.Prepare(
		`SELECT key, value, script, path FROM active_utxos ORDER BY key`)
	if err != nil {
		return nil, nil, err
	}
	rows, err := stmt.Query()
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var keys []UtxoKey
	var all []UtxoDetails
	for rows.Next() {
		var keyHex, path string
		var details UtxoDetails
		var value int64
		if err := rows.Scan(&keyHex, &value, &details.Script, &path); err != nil {
			return nil, nil, err
		}
		key, err := DecodeUtxoKey(common.HexStrToByteSlice(keyHex))
		if err != nil {
			return nil, nil, err
		}
		details.Value = uint64(value)
		if err := json.Unmarshal([]byte(path), &details.DerivationPath); err != nil {
			return nil, nil, err
		}
		keys = append(keys, key)
		all = append(all, details)
	}
	return keys, all, rows.Err()
}

// SelectGreedy picks active utxos largest first until their combined value
// reaches target. The second return is the selected total; ok is false when
// the whole set cannot cover the target.
func (l *Ledger) SelectGreedy(target uint64) ([]UtxoKey, []UtxoDetails, uint64, bool, error) {
	keys, details, err := l.Active()
	if err != nil {
		return nil, nil, 0, false, err
	}

	idx := make([]int, len(keys))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return details[idx[a]].Value > details[idx[b]].Value
	})

	var picked []UtxoKey
	var pickedDetails []UtxoDetails
	var total uint64
	for _, i := range idx {
		if total >= target {
			break
		}
		picked = append(picked, keys[i])
		pickedDetails = append(pickedDetails, details[i])
		total += details[i].Value
	}
	return picked, pickedDetails, total, total >= target, nil
}

// MarkUsed atomically moves the given outputs into the used registry. If any
// of them was already used the whole call fails with ErrUtxoAlreadyUsed and
// nothing changes.
func (l *Ledger) MarkUsed(keys []UtxoKey, owner []byte) error {
	if len(owner) > MaxOwnerLen {
		return ErrOwnerTooLong
	}

	tx, err := l.stmtCache.DB().Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	usedAt := l.now().UnixNano()
	for _, key := range keys {
		enc := key.Encode()
		keyHex := common.ByteSliceToPureHexStr(enc[:])

		var exists int
		if err := tx.QueryRow(
			`SELECT COUNT(*) FROM used_utxos WHERE key = ?`, keyHex,
		).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			logger.Warnf("utxo %s already used, rejecting replay", key)
			return agreement.ErrUtxoAlreadyUsed
		}

		if _, err := tx.Exec(
			`INSERT INTO used_utxos (key, usedAt, owner) VALUES (?, ?, ?)`,
			keyHex, usedAt, owner,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM active_utxos WHERE key = ?`, keyHex); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Spend removes wallet outputs consumed by an outgoing transaction. Unlike
// MarkUsed this does not touch the used registry: the used registry guards
// deposits, not wallet spends.
func (l *Ledger) Spend(keys []UtxoKey) error {
	tx, err := l.stmtCache.DB().Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, key := range keys {
		enc := key.Encode()
		if _, err := tx.Exec(
			`DELETE FROM active_utxos WHERE key = ?`,
			common.ByteSliceToPureHexStr(enc[:]),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetUsed returns the used registry entry for a key.
func (l *Ledger) GetUsed(key UtxoKey) (UsedUtxoDetails, bool, error) {
	stmt, err := l.stmtCache.Prepare(
		`SELECT usedAt, owner FROM used_utxos WHERE key = ?`)
	if err != nil {
		return UsedUtxoDetails{}, false, err
	}

	var details UsedUtxoDetails
	enc := key.Encode()
	err = stmt.QueryRow(common.ByteSliceToPureHexStr(enc[:])).Scan(&details.UsedAtNs, &details.Owner)
	if err == sql.ErrNoRows {
		return UsedUtxoDetails{}, false, nil
	}
	if err != nil {
		return UsedUtxoDetails{}, false, err
	}
	return details, true, nil
}

// Reap drops used entries older than the TTL and returns how many went.
func (l *Ledger) Reap(ttl time.Duration) (int64, error) {
	stmt, err := l.stmtCache.Prepare(`DELETE FROM used_utxos WHERE usedAt < ?`)
	if err != nil {
		return 0, err
	}
	res, err := stmt.Exec(l.now().Add(-ttl).UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
