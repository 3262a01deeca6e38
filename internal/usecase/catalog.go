package usecase

import (
	"hash/fnv"
	"sort"
	"strconv"
	"sync"

	"idekick/internal/domain"
)

// Catalog memoizes the rendered tool declaration list. Rendering runs every
// turn but the underlying tool set only changes on discovery or scope edits,
// so the list is cached under a signature of its inputs.
type Catalog struct {
	mu     sync.Mutex
	key    string
	cached bool
	decls  []domain.ToolDeclaration
}

func NewCatalog() *Catalog {
	return &Catalog{}
}

// Signature derives a cache key from the schemas that would feed the
// declaration list. Any change a discovery cycle can produce, including a
// parameter rename or retype, must invalidate.
func Signature(schemas []domain.ToolSchema) string {
	h := fnv.New64a()
	for _, s := range schemas {
		h.Write([]byte(s.Name))
		h.Write([]byte{0})
		h.Write([]byte(s.Description))
		h.Write([]byte{0})
		for _, r := range s.Required {
			h.Write([]byte(r))
			h.Write([]byte{1})
		}
		names := make([]string, 0, len(s.Properties))
		for name := range s.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			p := s.Properties[name]
			h.Write([]byte(name))
			h.Write([]byte{2})
			h.Write([]byte(p.Type))
			h.Write([]byte{2})
			h.Write([]byte(p.Description))
			h.Write([]byte{2})
		}
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// Get returns the cached declarations when key matches the last build,
// otherwise calls build and caches the result.
func (c *Catalog) Get(key string, build func() []domain.ToolDeclaration) []domain.ToolDeclaration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached && key == c.key {
		return c.decls
	}
	c.decls = build()
	c.key = key
	c.cached = true
	return c.decls
}

// Invalidate drops the cached list.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = ""
	c.cached = false
	c.decls = nil
}
