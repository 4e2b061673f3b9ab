package crawler

import (
	"fmt"
	"sort"
	"sync"
)

// Catalog holds the crawlers a process knows about, keyed by name.
type Catalog struct {
	mu       sync.RWMutex
	crawlers map[string]Crawler
}

// NewCatalog returns a catalog pre-populated with cs.
func NewCatalog(cs ...Crawler) *Catalog {
	c := &Catalog{crawlers: make(map[string]Crawler)}
	for _, cr := range cs {
		c.Put(cr)
	}
	return c
}

// Register adds cr, failing if the name is taken.
func (c *Catalog) Register(cr Crawler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cr == nil || cr.Name() == "" {
		return fmt.Errorf("register crawler: empty name")
	}
	if _, dup := c.crawlers[cr.Name()]; dup {
		return fmt.Errorf("register crawler: %q already registered", cr.Name())
	}
	c.crawlers[cr.Name()] = cr
	return nil
}

// Put adds or replaces cr.
func (c *Catalog) Put(cr Crawler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.crawlers[cr.Name()] = cr
}

// Lookup returns the crawler registered under name.
func (c *Catalog) Lookup(name string) (Crawler, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cr, ok := c.crawlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	return cr, nil
}

// Names returns the registered names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.crawlers))
	for name := range c.crawlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

var defaultCatalog = NewCatalog()

// Register adds cr to the process-wide catalog. Crawler packages call it from
// init, so a duplicate name is a programming error and panics.
func Register(cr Crawler) {
	if err := defaultCatalog.Register(cr); err != nil {
		panic(err)
	}
}

// Default returns the process-wide catalog.
func Default() *Catalog {
	return defaultCatalog
}
