package storage

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/Is-a-space/discord-vps-creator/internal/models"
)

// Store is the ownership registry: one record per live instance this system
// created. Mutating operations are serialized relative to each other.
type Store interface {
	Append(ctx context.Context, rec models.InstanceRecord) error
	// Remove deletes at most one record whose instance name or credential
	// equals selector. Returns the removed record, or models.ErrNotFound.
	Remove(ctx context.Context, owner, selector string) (models.InstanceRecord, error)
	// RemoveInstance deletes the record for an instance name regardless of
	// owner. Used by reconciliation.
	RemoveInstance(ctx context.Context, instance string) error
	List(ctx context.Context, owner string) ([]models.InstanceRecord, error)
	Count(ctx context.Context, owner string) (int, error)
	Get(ctx context.Context, instance string) (models.InstanceRecord, error)
	UpdateCredential(ctx context.Context, instance, credential string) error
	Close() error
}

// BadgerStore implements Store with Badger DB.
//
// Records live under rec/<hex(owner)>/<seq>, with seq a monotonically
// increasing 8-byte big-endian counter, so a prefix scan yields insertion
// order. The owner is hex-encoded because identities are raw strings that may
// contain any byte, including the key separator. A secondary id/<instance>
// key points at the primary key and enforces one record per instance.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence

	// serializes Append/Remove/UpdateCredential so a check-then-write pair
	// never interleaves with another mutation
	mu sync.Mutex
}

func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	seq, err := db.GetSequence([]byte("!records-seq"), 64)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BadgerStore{db: db, seq: seq}, nil
}

func (s *BadgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

func ownerPrefix(owner string) []byte {
	return []byte("rec/" + hex.EncodeToString([]byte(owner)) + "/")
}

func recordKey(owner string, seq uint64) []byte {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], seq)
	return append(ownerPrefix(owner), n[:]...)
}

func instanceKey(instance string) []byte {
	return []byte("id/" + instance)
}

func (s *BadgerStore) Append(ctx context.Context, rec models.InstanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.seq.Next()
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		idKey := instanceKey(rec.Instance)
		if _, err := txn.Get(idKey); err == nil {
			return fmt.Errorf("%w: %s", models.ErrDuplicateRecord, rec.Instance)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		key := recordKey(rec.Owner, n)
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(idKey, key)
	})
}

func (s *BadgerStore) Remove(ctx context.Context, owner, selector string) (models.InstanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed models.InstanceRecord
	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = ownerPrefix(owner)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var rec models.InstanceRecord
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return err
			}
			if rec.Instance != selector && rec.Credential != selector {
				continue
			}
			if err := txn.Delete(item.KeyCopy(nil)); err != nil {
				return err
			}
			if err := txn.Delete(instanceKey(rec.Instance)); err != nil {
				return err
			}
			removed = rec
			return nil
		}
		return fmt.Errorf("%w: %q", models.ErrNotFound, selector)
	})
	if err != nil {
		return models.InstanceRecord{}, err
	}
	return removed, nil
}

func (s *BadgerStore) RemoveInstance(ctx context.Context, instance string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		key, rec, err := getByInstance(txn, instance)
		if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete(instanceKey(rec.Instance))
	})
}

func (s *BadgerStore) List(ctx context.Context, owner string) ([]models.InstanceRecord, error) {
	var out []models.InstanceRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = ownerPrefix(owner)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec models.InstanceRecord
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) Count(ctx context.Context, owner string) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = ownerPrefix(owner)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *BadgerStore) Get(ctx context.Context, instance string) (models.InstanceRecord, error) {
	var rec models.InstanceRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		_, rec, err = getByInstance(txn, instance)
		return err
	})
	if err != nil {
		return models.InstanceRecord{}, err
	}
	return rec, nil
}

func (s *BadgerStore) UpdateCredential(ctx context.Context, instance, credential string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		key, rec, err := getByInstance(txn, instance)
		if err != nil {
			return err
		}
		rec.Credential = credential
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		// same key, so insertion order is preserved
		return txn.Set(key, data)
	})
}

// getByInstance resolves the id/ index to the primary key and record.
func getByInstance(txn *badger.Txn, instance string) ([]byte, models.InstanceRecord, error) {
	var rec models.InstanceRecord
	item, err := txn.Get(instanceKey(instance))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, rec, fmt.Errorf("%w: %q", models.ErrNotFound, instance)
		}
		return nil, rec, err
	}
	key, err := item.ValueCopy(nil)
	if err != nil {
		return nil, rec, err
	}
	item, err = txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, rec, fmt.Errorf("%w: %q", models.ErrNotFound, instance)
		}
		return nil, rec, err
	}
	if err := item.Value(func(v []byte) error {
		return json.Unmarshal(v, &rec)
	}); err != nil {
		return nil, rec, err
	}
	return key, rec, nil
}
