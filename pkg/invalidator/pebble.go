package invalidator

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// PebbleStore persists invalidator rows in Pebble. Each row is a 32-byte
// big-endian word; every write is synced before the call returns.
type PebbleStore struct {
	*core
	db *pebble.DB
}

// NewPebbleStore opens a Pebble database at the given path
func NewPebbleStore(dbPath string) (*PebbleStore, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(64 << 20), // 64MB cache
		MemTableSize:             16 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10, // 512KB
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}

	return &PebbleStore{core: newCore(&pebbleBackend{db: db}), db: db}, nil
}

// Close closes the database
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

type pebbleBackend struct {
	db *pebble.DB
}

func (b *pebbleBackend) load(key rowKey) (Bitmap, error) {
	data, closer, err := b.db.Get(invalidatorKey(key.maker, key.slot))
	if errors.Is(err, pebble.ErrNotFound) {
		return Bitmap{}, nil
	}
	if err != nil {
		return Bitmap{}, fmt.Errorf("failed to get invalidator row: %w", err)
	}
	defer closer.Close()

	if len(data) != 32 {
		return Bitmap{}, fmt.Errorf("corrupt invalidator row %s/%d: %d bytes", key.maker.Hex(), key.slot, len(data))
	}
	return BitmapFromBytes32(data), nil
}

func (b *pebbleBackend) save(key rowKey, word Bitmap) error {
	val := word.Bytes32()
	if err := b.db.Set(invalidatorKey(key.maker, key.slot), val[:], pebble.Sync); err != nil {
		return fmt.Errorf("failed to save invalidator row: %w", err)
	}
	return nil
}

func (b *pebbleBackend) rows() ([]Row, error) {
	return scanRows(b.db, []byte(prefixInvalidator))
}

// makerRows scans one maker's key range; keys sort by slot.
func (b *pebbleBackend) makerRows(maker common.Address) ([]Row, error) {
	return scanRows(b.db, makerPrefix(maker))
}

func scanRows(db *pebble.DB, prefix []byte) ([]Row, error) {
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var rows []Row
	for iter.First(); iter.Valid(); iter.Next() {
		maker, slot, err := parseInvalidatorKey(iter.Key())
		if err != nil {
			return nil, err
		}
		val := iter.Value()
		if len(val) != 32 {
			return nil, fmt.Errorf("corrupt invalidator row %s/%d: %d bytes", maker.Hex(), slot, len(val))
		}
		rows = append(rows, Row{Maker: maker, Slot: slot, Word: BitmapFromBytes32(val)})
	}
	return rows, iter.Error()
}

var (
	_ Store       = (*PebbleStore)(nil)
	_ Snapshotter = (*PebbleStore)(nil)
)
