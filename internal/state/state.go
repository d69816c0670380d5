package state

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/alexjbarnes/storage-sync/storage"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.storage-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	ledgerBucket   = []byte("ledger")
	settingsBucket = []byte("settings")
	versionBucket  = []byte("version")
)

// settingKey joins the (setting, key) pair into one bolt key.
func settingKey(setting, key string) []byte {
	return []byte(setting + "\x00" + key)
}

// LedgerRecord is the persisted sync state of one attachment.
// Changed is set when a mutation asked to mark the item as locally
// modified so metadata sync picks it up.
type LedgerRecord struct {
	State         storage.SyncState `json:"state"`
	SyncedModTime int64             `json:"synced_mtime"`
	SyncedHash    string            `json:"synced_hash"`
	Changed       bool              `json:"changed"`
}

// State wraps a bbolt database for all persistent sync state: the
// attachment ledger, the settings table and the version table.
type State struct {
	db *bolt.DB
}

var (
	_ storage.Ledger         = (*State)(nil)
	_ storage.Settings       = (*State)(nil)
	_ storage.ClientResetter = (*State)(nil)
)

// Load opens the state database at ~/.storage-sync/state.db.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{ledgerBucket, settingsBucket, versionBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// View runs fn in a read-only ledger transaction.
func (s *State) View(fn func(tx storage.LedgerTx) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&ledgerTx{b: tx.Bucket(ledgerBucket)})
	})
}

// Update runs fn in a read-write ledger transaction. Every mutation made
// by fn is committed together, or none is when fn returns an error.
func (s *State) Update(fn func(tx storage.LedgerTx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&ledgerTx{b: tx.Bucket(ledgerBucket)})
	})
}

// Record returns the ledger record for an attachment, or the zero record
// (unsynced) when none exists.
func (s *State) Record(id string) (LedgerRecord, error) {
	var rec LedgerRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getRecord(tx.Bucket(ledgerBucket), id)

		return err
	})

	return rec, err
}

// AllRecords returns every ledger record keyed by attachment id.
func (s *State) AllRecords() (map[string]LedgerRecord, error) {
	result := make(map[string]LedgerRecord)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(ledgerBucket).ForEach(func(k, v []byte) error {
			var rec LedgerRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			result[string(k)] = rec

			return nil
		})
	})

	return result, err
}

// ResetAttachment removes the ledger record for one attachment so the
// next run treats it as never synced.
func (s *State) ResetAttachment(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(ledgerBucket).Delete([]byte(id))
	})
}

// ResetClient clears the whole ledger and the last storage sync time.
func (s *State) ResetClient(_ context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(ledgerBucket); err != nil {
			return fmt.Errorf("deleting ledger: %w", err)
		}

		if _, err := tx.CreateBucket(ledgerBucket); err != nil {
			return fmt.Errorf("recreating ledger: %w", err)
		}

		return tx.Bucket(versionBucket).Delete([]byte(storage.VersionKey))
	})
}

// Setting returns the value stored for (setting, key).
func (s *State) Setting(setting, key string) (string, bool, error) {
	var (
		value string
		ok    bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(settingsBucket).Get(settingKey(setting, key))
		if v != nil {
			value, ok = string(v), true
		}

		return nil
	})

	return value, ok, err
}

// SetSetting stores the value for (setting, key).
func (s *State) SetSetting(setting, key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(settingsBucket).Put(settingKey(setting, key), []byte(value))
	})
}

// DeleteSetting removes (setting, key). Missing entries are not an error.
func (s *State) DeleteSetting(setting, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(settingsBucket).Delete(settingKey(setting, key))
	})
}

// Version returns a version-table entry.
func (s *State) Version(name string) (int64, bool, error) {
	var (
		value int64
		ok    bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(versionBucket).Get([]byte(name))
		if v == nil {
			return nil
		}

		n, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return fmt.Errorf("parsing version %s: %w", name, err)
		}

		value, ok = n, true

		return nil
	})

	return value, ok, err
}

// SetVersion stores a version-table entry.
func (s *State) SetVersion(name string, value int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(versionBucket).Put([]byte(name), []byte(strconv.FormatInt(value, 10)))
	})
}

// ledgerTx adapts a bolt bucket to storage.LedgerTx for the duration of
// one transaction.
type ledgerTx struct {
	b *bolt.Bucket
}

func (t *ledgerTx) State(id string) (storage.SyncState, error) {
	rec, err := getRecord(t.b, id)
	return rec.State, err
}

func (t *ledgerTx) SetState(id string, st storage.SyncState) error {
	return t.modify(id, false, func(rec *LedgerRecord) {
		rec.State = st
	})
}

func (t *ledgerTx) SyncedModTime(id string) (int64, error) {
	rec, err := getRecord(t.b, id)
	return rec.SyncedModTime, err
}

func (t *ledgerTx) SetSyncedModTime(id string, mtime int64, markChanged bool) error {
	return t.modify(id, markChanged, func(rec *LedgerRecord) {
		rec.SyncedModTime = mtime
	})
}

func (t *ledgerTx) SyncedHash(id string) (string, error) {
	rec, err := getRecord(t.b, id)
	return rec.SyncedHash, err
}

func (t *ledgerTx) SetSyncedHash(id string, hash string, markChanged bool) error {
	return t.modify(id, markChanged, func(rec *LedgerRecord) {
		rec.SyncedHash = hash
	})
}

func (t *ledgerTx) modify(id string, markChanged bool, fn func(rec *LedgerRecord)) error {
	if !t.b.Writable() {
		return fmt.Errorf("ledger transaction is read-only")
	}

	rec, err := getRecord(t.b, id)
	if err != nil {
		return err
	}

	fn(&rec)

	if markChanged {
		rec.Changed = true
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return t.b.Put([]byte(id), data)
}

func getRecord(b *bolt.Bucket, id string) (LedgerRecord, error) {
	var rec LedgerRecord

	v := b.Get([]byte(id))
	if v == nil {
		return rec, nil
	}

	if err := json.Unmarshal(v, &rec); err != nil {
		return rec, fmt.Errorf("decoding ledger record %s: %w", id, err)
	}

	return rec, nil
}

// DefaultPath returns ~/.storage-sync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".storage-sync", "state.db"), nil
}
