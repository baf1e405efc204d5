// Package store persists ledger records in a Badger key-value database.
package store

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"

	"github.com/quietpay/quietpay/pkg/identity"
)

// ErrNotFound is returned when a key has no record.
var ErrNotFound = errors.New("store: key not found")

var log *logrus.Logger

// Config configures the on-disk store.
type Config struct {
	Path             string // absolute path of the database directory
	MinimumFreeSpace int    // in GB
	Logger           *logrus.Logger
}

// Store wraps a Badger database with the ledger's key scheme.
type Store struct {
	config   Config
	badgerDB *badger.DB
}

// Record key prefixes. One vault record, businesses and employees by
// derived address.
const (
	prefixBusiness = "biz/"
	prefixEmployee = "emp/"
	keyVault       = "vault"
)

// BusinessPrefix returns the key prefix for business entries.
func BusinessPrefix() []byte {
	return []byte(prefixBusiness)
}

// EmployeePrefix returns the key prefix for employee entries.
func EmployeePrefix() []byte {
	return []byte(prefixEmployee)
}

// BusinessKey returns the store key for a business entry.
func BusinessKey(addr identity.Address) []byte {
	return append([]byte(prefixBusiness), addr[:]...)
}

// EmployeeKey returns the store key for an employee entry.
func EmployeeKey(addr identity.Address) []byte {
	return append([]byte(prefixEmployee), addr[:]...)
}

// VaultKey returns the store key for the vault record.
func VaultKey() []byte {
	return []byte(keyVault)
}

// New opens the database after checking the configured path and its free
// space.
func New(config Config) (*Store, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	log = config.Logger

	if err := config.check(); err != nil {
		return nil, fmt.Errorf("error checking config for Store: %w", err)
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100 // 100MB per value log file
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", config.Path, err)
	}

	displayDiskUsage(config.Path)

	return &Store{config: config, badgerDB: db}, nil
}

func (c *Config) check() error {
	if c.Path == "" {
		return errors.New("no path provided in configuration")
	}

	info, err := os.Stat(c.Path)
	if os.IsNotExist(err) {
		return errors.New("path does not exist")
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("path is not a directory")
	}

	usage, err := disk.Usage(c.Path)
	if err != nil {
		return fmt.Errorf("disk usage for %s: %w", c.Path, err)
	}
	availableSpaceInGB := usage.Free / (1024 * 1024 * 1024)
	if int(availableSpaceInGB) < c.MinimumFreeSpace {
		return errors.New("not enough space available on disk")
	}

	return nil
}

// displayDiskUsage logs the disk usage of the database path.
func displayDiskUsage(path string) {
	usage, err := disk.Usage(path)
	if err != nil {
		log.WithFields(logrus.Fields{
			"path": path,
		}).Errorf("Error retrieving disk usage stats: %v", err)
		return
	}

	log.WithFields(logrus.Fields{
		"Path":       path,
		"Total (GB)": fmt.Sprintf("%.2f", float64(usage.Total)/1e9),
		"Used (GB)":  fmt.Sprintf("%.2f", float64(usage.Used)/1e9),
		"Free (GB)":  fmt.Sprintf("%.2f", float64(usage.Free)/1e9),
	}).Info("Disk Usage")
}

// Write stores one record.
func (s *Store) Write(key []byte, content []byte) error {
	return s.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Set(key, content)
	})
}

// WriteBatch stores several records in a single transaction. All or none.
func (s *Store) WriteBatch(batch [][2][]byte) error {
	return s.badgerDB.Update(func(txn *badger.Txn) error {
		for _, kv := range batch {
			if err := txn.Set(kv[0], kv[1]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Read returns the record for key, or ErrNotFound.
func (s *Store) Read(key []byte) ([]byte, error) {
	var value []byte
	err := s.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hex.EncodeToString(key))
	}
	if err != nil {
		return nil, fmt.Errorf("error reading key %s: %w", hex.EncodeToString(key), err)
	}
	return value, nil
}

// Delete removes a record. Missing keys are not an error.
func (s *Store) Delete(key []byte) error {
	return s.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// ReadPrefix returns all records whose key starts with prefix, in key
// order.
func (s *Store) ReadPrefix(prefix []byte) ([][2][]byte, error) {
	var out [][2][]byte
	err := s.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, [2][]byte{key, value})
		}
		return nil
	})
	return out, err
}

// Sync flushes pending writes to disk.
func (s *Store) Sync() error {
	if err := s.badgerDB.Sync(); err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}
	return nil
}

// Close syncs and closes the database.
func (s *Store) Close() error {
	if err := s.Sync(); err != nil {
		log.Errorf("sync on close: %v", err)
	}
	return s.badgerDB.Close()
}
