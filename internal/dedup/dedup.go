// Package dedup implements the per-crawler bloom filter that suppresses
// re-enqueuing of task ids the crawler has already seen.
//
// The filter is insert/query only: false positives are possible, false
// negatives are not, and clearing discards the whole structure.
package dedup

import (
	"context"
	"crypto/md5" //nolint:gosec // hash function for bit addressing, not security
	"encoding/binary"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// DefaultBitSize is the number of bits in each block (64 MiB per block).
const DefaultBitSize uint64 = 1 << 29

// DefaultSeeds seed the K hash functions when a crawler sets none.
var DefaultSeeds = []string{"HELLO", "WORLD", "CATTY", "PYTHON", "APPLE", "THIS", "THAT", "MY", "HI", "NOT"}

// Filter is a probabilistic set of task ids.
type Filter interface {
	// Contains reports whether id may have been added.
	Contains(ctx context.Context, id string) (bool, error)
	// Add records id. Adding twice is harmless.
	Add(ctx context.Context, id string) error
	// Clear discards every block of the filter.
	Clear(ctx context.Context) error
}

// Opener returns the filter owned by a crawler.
type Opener interface {
	Open(crawler string, opts Options) Filter
}

// Options shape one crawler's filter.
type Options struct {
	BitSize uint64
	Seeds   []string
	Blocks  int
}

func (o Options) withDefaults() Options {
	if o.BitSize == 0 {
		o.BitSize = DefaultBitSize
	}
	if len(o.Seeds) == 0 {
		o.Seeds = DefaultSeeds
	}
	if o.Blocks <= 0 {
		o.Blocks = 1
	}
	return o
}

// hasher maps an id to a block and K bit offsets inside it.
type hasher struct {
	opts Options
}

func newHasher(opts Options) hasher {
	return hasher{opts: opts.withDefaults()}
}

// block picks the block an id lives in.
func (h hasher) block(id string) int {
	return int(xxhash.Sum64String(id) % uint64(h.opts.Blocks))
}

// offsets returns md5(seed+id) mod BitSize for every seed. Only the low 64
// bits of the digest are used, which equals the full-width modulus whenever
// BitSize is a power of two.
func (h hasher) offsets(id string) []uint64 {
	out := make([]uint64, len(h.opts.Seeds))
	for i, seed := range h.opts.Seeds {
		sum := md5.Sum([]byte(seed + id)) //nolint:gosec // see import
		out[i] = binary.BigEndian.Uint64(sum[8:]) % h.opts.BitSize
	}
	return out
}

// blockKey names the Redis string holding one block of a crawler's filter.
func blockKey(crawler string, block int) string {
	return crawler + ":DupeFilter:" + strconv.Itoa(block)
}
