package dedup

import (
	"context"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// Memory is an in-process filter. Blocks are allocated on first write.
type Memory struct {
	h hasher

	mu     sync.RWMutex
	blocks []*bitset.BitSet
}

// NewMemory builds an empty in-process filter.
func NewMemory(opts Options) *Memory {
	h := newHasher(opts)
	return &Memory{h: h, blocks: make([]*bitset.BitSet, h.opts.Blocks)}
}

// Contains reports whether every bit for id is set.
func (m *Memory) Contains(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bs := m.blocks[m.h.block(id)]
	if bs == nil {
		return false, nil
	}
	for _, off := range m.h.offsets(id) {
		if !bs.Test(uint(off)) {
			return false, nil
		}
	}
	return true, nil
}

// Add sets every bit for id.
func (m *Memory) Add(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.h.block(id)
	if m.blocks[b] == nil {
		m.blocks[b] = bitset.New(uint(m.h.opts.BitSize))
	}
	for _, off := range m.h.offsets(id) {
		m.blocks[b].Set(uint(off))
	}
	return nil
}

// Clear drops every block.
func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks = make([]*bitset.BitSet, m.h.opts.Blocks)
	return nil
}

// MemoryOpener keeps one Memory filter per crawler for the life of the process.
type MemoryOpener struct {
	mu      sync.Mutex
	filters map[string]*Memory
}

// NewMemoryOpener returns an empty MemoryOpener.
func NewMemoryOpener() *MemoryOpener {
	return &MemoryOpener{filters: make(map[string]*Memory)}
}

// Open returns the crawler's filter, creating it with opts on first use.
func (o *MemoryOpener) Open(crawler string, opts Options) Filter {
	o.mu.Lock()
	defer o.mu.Unlock()
	f, ok := o.filters[crawler]
	if !ok {
		f = NewMemory(opts)
		o.filters[crawler] = f
	}
	return f
}
