package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v3"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// BadgerReferencePrefix prefixes references handed out by BadgerStore.
const BadgerReferencePrefix = "badger://"

const (
	dataKeyPrefix = "data/"
	metaKeyPrefix = "meta/"
)

// BadgerStore implements ResultStore on an embedded Badger database. It backs
// single-process deployments and tests.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// NewBadgerStore opens (or creates) a store under dir. An empty dir keeps the
// database in memory.
func NewBadgerStore(dir string, logger *zap.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := badger.DefaultOptions(dir).
		WithLogger(&badgerLogger{logger: logger.Sugar()})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

// Put writes data and its metadata in one transaction.
func (s *BadgerStore) Put(_ context.Context, path string, data []byte, metadata map[string]string) (string, error) {
	path = strings.TrimPrefix(path, BadgerReferencePrefix)
	if path == "" {
		return "", fmt.Errorf("result path is required")
	}

	var metaBytes []byte
	if len(metadata) > 0 {
		var err error
		if metaBytes, err = json.Marshal(metadata); err != nil {
			return "", fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(dataKeyPrefix+path), data); err != nil {
			return err
		}
		if metaBytes == nil {
			return txn.Delete([]byte(metaKeyPrefix + path))
		}
		return txn.Set([]byte(metaKeyPrefix+path), metaBytes)
	})
	if err != nil {
		s.logger.Error("Failed to write result", zap.String("path", path), zap.Error(err))
		return "", fmt.Errorf("failed to write result: %w", err)
	}

	s.logger.Debug("Stored result", zap.String("path", path), zap.Int("size_bytes", len(data)))
	return BadgerReferencePrefix + path, nil
}

// Get reads the data stored under a reference or plain path.
func (s *BadgerStore) Get(_ context.Context, reference string) ([]byte, error) {
	path := strings.TrimPrefix(reference, BadgerReferencePrefix)
	return s.read(dataKeyPrefix + path)
}

// Metadata returns the metadata recorded with a result.
func (s *BadgerStore) Metadata(_ context.Context, reference string) (map[string]string, error) {
	path := strings.TrimPrefix(reference, BadgerReferencePrefix)
	if _, err := s.read(dataKeyPrefix + path); err != nil {
		return nil, err
	}

	raw, err := s.read(metaKeyPrefix + path)
	if errors.Is(err, ErrNotFound) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}

	var metadata map[string]string
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return metadata, nil
}

// List returns the paths stored under prefix.
func (s *BadgerStore) List(_ context.Context, prefix string) ([]string, error) {
	var paths []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(dataKeyPrefix + prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			paths = append(paths, strings.TrimPrefix(string(it.Item().Key()), dataKeyPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	return paths, nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) read(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, strings.TrimPrefix(strings.TrimPrefix(key, dataKeyPrefix), metaKeyPrefix))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read result: %w", err)
	}
	return value, nil
}

type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(f string, v ...interface{})   { l.logger.Errorf(f, v...) }
func (l *badgerLogger) Warningf(f string, v ...interface{}) { l.logger.Warnf(f, v...) }
func (l *badgerLogger) Infof(f string, v ...interface{})    { l.logger.Debugf(f, v...) }
func (l *badgerLogger) Debugf(f string, v ...interface{})   { l.logger.Debugf(f, v...) }
