package extool

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"idekick/internal/domain"
)

// sanitizeName replaces every character outside [A-Za-z0-9_] with an
// underscore so the flat name survives model-side identifier restrictions.
func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Target identifies one method on one external server.
type Target struct {
	Server string
	Method string
}

// NameMap translates between the two-level (server, method) address space of
// external tools and the flat identifiers advertised to the model. Flat names
// follow the pattern mcp_<server>_<method> with unsafe characters sanitized;
// collisions after sanitization get a numeric suffix. The map is rebuilt in
// full after every discovery pass so renames and removals never leave stale
// aliases behind.
type NameMap struct {
	mu      sync.RWMutex
	forward map[string]Target // flat name -> target
	reverse map[Target]string // target -> flat name
}

func NewNameMap() *NameMap {
	return &NameMap{
		forward: make(map[string]Target),
		reverse: make(map[Target]string),
	}
}

// Rebuild replaces the whole mapping from the given server rosters.
// Iteration is ordered by server name so collision suffixes are deterministic
// across rebuilds of the same roster.
func (m *NameMap) Rebuild(rosters map[string][]domain.ToolSchema) {
	forward := make(map[string]Target)
	reverse := make(map[Target]string)

	servers := make([]string, 0, len(rosters))
	for s := range rosters {
		servers = append(servers, s)
	}
	sort.Strings(servers)

	for _, server := range servers {
		for _, schema := range rosters[server] {
			target := Target{Server: server, Method: schema.Name}
			base := fmt.Sprintf("mcp_%s_%s", sanitizeName(server), sanitizeName(schema.Name))
			name := base
			for i := 2; ; i++ {
				if _, taken := forward[name]; !taken {
					break
				}
				name = fmt.Sprintf("%s_%d", base, i)
			}
			forward[name] = target
			reverse[target] = name
		}
	}

	m.mu.Lock()
	m.forward = forward
	m.reverse = reverse
	m.mu.Unlock()
}

// Resolve returns the target for a flat name advertised to the model.
func (m *NameMap) Resolve(flat string) (Target, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.forward[flat]
	return t, ok
}

// FlatName returns the advertised name for a (server, method) pair.
func (m *NameMap) FlatName(server, method string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.reverse[Target{Server: server, Method: method}]
	return n, ok
}
