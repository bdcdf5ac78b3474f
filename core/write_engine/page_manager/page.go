package pagemanager

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// --- Page Layout ---

const (
	// SlotSize is the width in bytes of every value stored in a page.
	SlotSize = 8
	// PageSize is the byte size of a page with the default capacity.
	PageSize = 4096
	// DefaultCapacity is the number of slots in a default page (512 for 4KB).
	DefaultCapacity = PageSize / SlotSize
)

var (
	ErrPageFull      = errors.New("page is full")
	ErrInvalidOffset = errors.New("slot offset out of page bounds")
)

// PageKind distinguishes base pages from tail (delta) pages.
type PageKind string

const (
	BasePage PageKind = "base"
	TailPage PageKind = "tail"
)

// PageKey is the coordinate of a column page: one logical column of one page
// range of one table. Keys compare structurally and are usable as map keys.
type PageKey struct {
	Table  string
	Kind   PageKind
	Range  int
	Column int
}

func (k PageKey) String() string {
	return fmt.Sprintf("%s/%s/range_%d/col_%d", k.Table, k.Kind, k.Range, k.Column)
}

// Page is an in-memory column page: capacity fixed-width signed slots, filled
// sequentially. numRecords is the index of the next free slot.
type Page struct {
	data       []byte
	capacity   int
	numRecords int
	pinCount   atomic.Int32

	// This latch protects data and numRecords.
	latch sync.RWMutex
}

// NewPage creates an empty page with room for capacity slots. A non-positive
// capacity selects DefaultCapacity.
func NewPage(capacity int) *Page {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Page{
		data:     make([]byte, capacity*SlotSize),
		capacity: capacity,
	}
}

// PageFromBytes rebuilds a page from its raw on-disk buffer. numRecords is not
// part of the raw format and must be supplied by the caller.
func PageFromBytes(raw []byte, numRecords int) (*Page, error) {
	if len(raw) == 0 || len(raw)%SlotSize != 0 {
		return nil, fmt.Errorf("raw page length %d is not a positive multiple of %d", len(raw), SlotSize)
	}
	capacity := len(raw) / SlotSize
	if numRecords < 0 || numRecords > capacity {
		return nil, fmt.Errorf("record count %d outside page capacity %d", numRecords, capacity)
	}
	data := make([]byte, len(raw))
	copy(data, raw)
	return &Page{data: data, capacity: capacity, numRecords: numRecords}, nil
}

func (p *Page) Capacity() int { return p.capacity }

func (p *Page) NumRecords() int {
	p.latch.RLock()
	defer p.latch.RUnlock()
	return p.numRecords
}

func (p *Page) HasCapacity() bool {
	p.latch.RLock()
	defer p.latch.RUnlock()
	return p.numRecords < p.capacity
}

// Write appends value at the next free slot and returns the slot's byte offset.
func (p *Page) Write(value int64) (int, error) {
	p.Pin()
	defer p.Unpin()
	p.latch.Lock()
	defer p.latch.Unlock()

	if p.numRecords >= p.capacity {
		return -1, ErrPageFull
	}
	offset := p.numRecords * SlotSize
	binary.BigEndian.PutUint64(p.data[offset:offset+SlotSize], uint64(value))
	p.numRecords++
	return offset, nil
}

// Read decodes the slot at offset as a signed big-endian integer.
func (p *Page) Read(offset int) (int64, error) {
	p.Pin()
	defer p.Unpin()
	p.latch.RLock()
	defer p.latch.RUnlock()

	if err := p.checkOffset(offset); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(p.data[offset : offset+SlotSize])), nil
}

// Update overwrites the slot at offset in place. numRecords is unchanged.
func (p *Page) Update(offset int, value int64) error {
	p.Pin()
	defer p.Unpin()
	p.latch.Lock()
	defer p.latch.Unlock()

	if err := p.checkOffset(offset); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(p.data[offset:offset+SlotSize], uint64(value))
	return nil
}

func (p *Page) checkOffset(offset int) error {
	if offset < 0 || offset%SlotSize != 0 || offset+SlotSize > len(p.data) {
		return fmt.Errorf("%w: offset %d, page size %d", ErrInvalidOffset, offset, len(p.data))
	}
	return nil
}

// Bytes returns a copy of the raw slot buffer, suitable for writing to disk.
func (p *Page) Bytes() []byte {
	p.latch.RLock()
	defer p.latch.RUnlock()
	out := make([]byte, len(p.data))
	copy(out, p.data)
	return out
}

func (p *Page) Pin()               { p.pinCount.Add(1) }
func (p *Page) GetPinCount() int32 { return p.pinCount.Load() }
func (p *Page) IsPinned() bool     { return p.pinCount.Load() > 0 }
func (p *Page) Unpin() {
	for {
		cur := p.pinCount.Load()
		if cur <= 0 {
			return
		}
		if p.pinCount.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// OffsetOfSlot converts a slot index to its byte offset.
func OffsetOfSlot(slot int) int { return slot * SlotSize }

// SlotOfOffset converts a byte offset to its slot index.
func SlotOfOffset(offset int) int { return offset / SlotSize }
