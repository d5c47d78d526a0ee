package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
)

// Key layout:
//
//	part:{name}              -> JSON(partitionMeta)
//	entry:{name}\x00{key}    -> JSON(Entry)
const (
	prefixPartition = "part:"
	prefixEntry     = "entry:"
	entrySeparator  = "\x00"
)

type partitionMeta struct {
	CreatedAt time.Time `json:"created_at"`
}

// BadgerStorage persists partitions in a badger database so the cache
// survives restarts. An empty path opens an in-memory database.
type BadgerStorage struct {
	db             *badgerdb.DB
	maxObjectBytes int64
}

func OpenBadgerStorage(path string, maxObjectBytes int64) (*BadgerStorage, error) {
	opts := badgerdb.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("cache: open badger: %w", err)
	}
	if maxObjectBytes <= 0 {
		maxObjectBytes = DefaultMaxObjectBytes
	}
	return &BadgerStorage{db: db, maxObjectBytes: maxObjectBytes}, nil
}

func (s *BadgerStorage) Open(ctx context.Context, name string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" || strings.Contains(name, entrySeparator) {
		return nil, fmt.Errorf("cache: invalid partition name %q", name)
	}
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(partitionKey(name))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}
		data, err := json.Marshal(partitionMeta{CreatedAt: time.Now().UTC()})
		if err != nil {
			return err
		}
		return txn.Set(partitionKey(name), data)
	})
	if err != nil {
		return nil, fmt.Errorf("cache: open partition %s: %w", name, err)
	}
	return &badgerPartition{storage: s, name: name}, nil
}

func (s *BadgerStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	found := false
	err := s.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(partitionKey(name))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

func (s *BadgerStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var names []string
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixPartition)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, strings.TrimPrefix(string(it.Item().Key()), prefixPartition))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Drop removes the partition marker and every entry stored under it.
func (s *BadgerStorage) Drop(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	if err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(partitionKey(name))
	}); err != nil {
		return false, fmt.Errorf("cache: drop partition %s: %w", name, err)
	}
	if err := s.deletePrefix(entryPrefix(name)); err != nil {
		return true, fmt.Errorf("cache: drop entries of %s: %w", name, err)
	}
	return true, nil
}

func (s *BadgerStorage) deletePrefix(prefix []byte) error {
	var keys [][]byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return err
	}
	batch := s.db.NewWriteBatch()
	defer batch.Cancel()
	for _, key := range keys {
		if err := batch.Delete(key); err != nil {
			return err
		}
	}
	return batch.Flush()
}

func (s *BadgerStorage) Close() error {
	return s.db.Close()
}

type badgerPartition struct {
	storage *BadgerStorage
	name    string
}

func (p *badgerPartition) Name() string {
	return p.name
}

func (p *badgerPartition) Get(ctx context.Context, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	var entry Entry
	found := false
	err := p.storage.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(entryKey(p.name, key))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		return Entry{}, false, err
	}
	return entry, found, nil
}

func (p *badgerPartition) Put(ctx context.Context, key string, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !entry.Cacheable() {
		return ErrNotCacheable
	}
	if int64(len(entry.Body)) > p.storage.maxObjectBytes {
		return ErrEntryTooLarge
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: marshal entry: %w", err)
	}
	return p.storage.db.Update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(partitionKey(p.name)); err != nil {
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				return ErrPartitionNotFound
			}
			return err
		}
		return txn.Set(entryKey(p.name, key), data)
	})
}

func (p *badgerPartition) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.storage.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(entryKey(p.name, key))
	})
}

func (p *badgerPartition) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := entryPrefix(p.name)
	var keys []string
	err := p.storage.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func partitionKey(name string) []byte {
	return []byte(prefixPartition + name)
}

func entryPrefix(name string) []byte {
	return []byte(prefixEntry + name + entrySeparator)
}

func entryKey(name, key string) []byte {
	return []byte(prefixEntry + name + entrySeparator + key)
}
