// SPDX-License-Identifier: MIT

package provider

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerBackend is the default durable layer: an embedded badger database
// under the daemon's data directory, with engine-enforced TTLs.
type BadgerBackend struct {
	db *badger.DB
}

var _ Backend = (*BadgerBackend)(nil)

// OpenBadgerBackend opens (or creates) the badger database at dir.
func OpenBadgerBackend(dir string) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerBackend{db: db}, nil
}

func (b *BadgerBackend) GetCarrier(ctx context.Context, phone string) (string, bool, error) {
	key := []byte(keyPrefix + phone)
	var carrier string
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			carrier = string(val)
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return carrier, true, nil
}

func (b *BadgerBackend) PutCarrier(ctx context.Context, phone, carrier string, ttl time.Duration) error {
	entry := badger.NewEntry([]byte(keyPrefix+phone), []byte(carrier)).WithTTL(ttl)
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
}

func (b *BadgerBackend) Close() error {
	return b.db.Close()
}
