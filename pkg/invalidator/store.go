package invalidator

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrAlreadyConsumed is returned when the target bit is set or held by an open reservation.
var ErrAlreadyConsumed = errors.New("invalidator: order already consumed")

// Store tracks consumed and cancelled RFQ orders as (maker, slot) -> 256-bit word.
// Bits are only ever set, never cleared.
type Store interface {
	// Query returns the persisted word; untouched rows are zero.
	Query(maker common.Address, slot uint64) (Bitmap, error)
	// Cancel sets bit. Setting an already-set bit is a no-op.
	Cancel(maker common.Address, slot uint64, bit uint8) error
	// Consume atomically sets bit or fails with ErrAlreadyConsumed.
	Consume(maker common.Address, slot uint64, bit uint8) error
	// Reserve holds bit for a later Commit or Abort. Fails with ErrAlreadyConsumed
	// if the bit is set or another reservation holds it.
	Reserve(maker common.Address, slot uint64, bit uint8) (Reservation, error)
	// MakerRows returns every non-zero row of maker, ordered by slot.
	MakerRows(maker common.Address) ([]Row, error)
}

// Reservation is a bit held between the invalidator check and the ledger transfers.
type Reservation interface {
	// Commit persists the bit. After a failed Commit the reservation stays open.
	Commit() error
	// Abort releases the bit without setting it. No-op after a successful Commit.
	Abort()
}

// Row is one persisted invalidator word.
type Row struct {
	Maker common.Address
	Slot  uint64
	Word  Bitmap
}

// Snapshotter exposes the whole table for export and import.
type Snapshotter interface {
	Rows() ([]Row, error)
	// Merge ORs each row into the table. Existing bits are never cleared.
	Merge(rows []Row) error
}

type rowKey struct {
	maker common.Address
	slot  uint64
}

// backend is the persistence half of a store. load and save are only called
// while the row lock for key is held.
type backend interface {
	load(key rowKey) (Bitmap, error)
	save(key rowKey, word Bitmap) error
	rows() ([]Row, error)
	makerRows(maker common.Address) ([]Row, error)
}

type rowState struct {
	mu      sync.Mutex
	pending Bitmap
	refs    int
}

// core implements Store on top of a backend with one lock per (maker, slot) row.
// rowState entries live only while a caller or open reservation references them.
type core struct {
	be backend

	mu   sync.Mutex
	live map[rowKey]*rowState
}

func newCore(be backend) *core {
	return &core{be: be, live: make(map[rowKey]*rowState)}
}

func (c *core) acquire(key rowKey) *rowState {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.live[key]
	if !ok {
		rs = &rowState{}
		c.live[key] = rs
	}
	rs.refs++
	return rs
}

func (c *core) release(key rowKey, rs *rowState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs.refs--
	if rs.refs == 0 {
		delete(c.live, key)
	}
}

func (c *core) Query(maker common.Address, slot uint64) (Bitmap, error) {
	key := rowKey{maker, slot}
	rs := c.acquire(key)
	defer c.release(key, rs)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	return c.be.load(key)
}

func (c *core) Cancel(maker common.Address, slot uint64, bit uint8) error {
	key := rowKey{maker, slot}
	rs := c.acquire(key)
	defer c.release(key, rs)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	word, err := c.be.load(key)
	if err != nil {
		return err
	}
	if word.Has(bit) {
		return nil
	}
	return c.be.save(key, word.With(bit))
}

func (c *core) Consume(maker common.Address, slot uint64, bit uint8) error {
	res, err := c.Reserve(maker, slot, bit)
	if err != nil {
		return err
	}
	if err := res.Commit(); err != nil {
		res.Abort()
		return err
	}
	return nil
}

func (c *core) Reserve(maker common.Address, slot uint64, bit uint8) (Reservation, error) {
	key := rowKey{maker, slot}
	rs := c.acquire(key)

	rs.mu.Lock()
	word, err := c.be.load(key)
	if err == nil && (word.Has(bit) || rs.pending.Has(bit)) {
		err = ErrAlreadyConsumed
	}
	if err != nil {
		rs.mu.Unlock()
		c.release(key, rs)
		return nil, err
	}
	rs.pending = rs.pending.With(bit)
	rs.mu.Unlock()

	return &reservation{c: c, key: key, rs: rs, bit: bit}, nil
}

func (c *core) Rows() ([]Row, error) {
	rows, err := c.be.rows()
	if err != nil {
		return nil, err
	}
	sortRows(rows)
	return rows, nil
}

func (c *core) MakerRows(maker common.Address) ([]Row, error) {
	rows, err := c.be.makerRows(maker)
	if err != nil {
		return nil, err
	}
	sortRows(rows)
	return rows, nil
}

func (c *core) Merge(rows []Row) error {
	for _, r := range rows {
		if err := c.mergeRow(r); err != nil {
			return fmt.Errorf("merge %s/%d: %w", r.Maker.Hex(), r.Slot, err)
		}
	}
	return nil
}

func (c *core) mergeRow(r Row) error {
	if r.Word.IsZero() {
		return nil
	}
	key := rowKey{r.Maker, r.Slot}
	rs := c.acquire(key)
	defer c.release(key, rs)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	word, err := c.be.load(key)
	if err != nil {
		return err
	}
	merged := word.Union(r.Word)
	if merged.Equal(word) {
		return nil
	}
	return c.be.save(key, merged)
}

type reservation struct {
	c    *core
	key  rowKey
	rs   *rowState
	bit  uint8
	done bool
}

func (r *reservation) Commit() error {
	r.rs.mu.Lock()
	if r.done {
		r.rs.mu.Unlock()
		return nil
	}
	word, err := r.c.be.load(r.key)
	if err == nil && !word.Has(r.bit) {
		err = r.c.be.save(r.key, word.With(r.bit))
	}
	if err != nil {
		r.rs.mu.Unlock()
		return fmt.Errorf("commit reservation: %w", err)
	}
	r.finish()
	return nil
}

func (r *reservation) Abort() {
	r.rs.mu.Lock()
	if r.done {
		r.rs.mu.Unlock()
		return
	}
	r.finish()
}

// finish clears the pending bit and drops the row reference. Called with rs.mu held.
func (r *reservation) finish() {
	r.done = true
	r.rs.pending = r.rs.pending.without(r.bit)
	r.rs.mu.Unlock()
	r.c.release(r.key, r.rs)
}

func sortRows(rows []Row) {
	sort.Slice(rows, func(i, j int) bool {
		if c := compareAddr(rows[i].Maker, rows[j].Maker); c != 0 {
			return c < 0
		}
		return rows[i].Slot < rows[j].Slot
	})
}

func compareAddr(a, b common.Address) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
