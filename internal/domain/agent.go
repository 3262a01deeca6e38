package domain

// ToolScope is a tool-visibility policy applied when building a turn's tool
// declarations. AllowAll exposes everything; otherwise only the named
// built-in tools and external "server.method" pairs are visible.
type ToolScope struct {
	AllowAll bool     `yaml:"allow_all" json:"allow_all"`
	Builtin  []string `yaml:"builtin,omitempty" json:"builtin,omitempty"`
	External []string `yaml:"external,omitempty" json:"external,omitempty"`
}

// AllowsBuiltin reports whether the named built-in tool is visible.
func (s ToolScope) AllowsBuiltin(name string) bool {
	if s.AllowAll {
		return true
	}
	for _, n := range s.Builtin {
		if n == name {
			return true
		}
	}
	return false
}

// AllowsExternal reports whether the "server.method" pair is visible.
func (s ToolScope) AllowsExternal(server, method string) bool {
	if s.AllowAll {
		return true
	}
	key := server + "." + method
	for _, n := range s.External {
		if n == key {
			return true
		}
	}
	return false
}

// Merge unions two scopes. AllowAll on either side wins.
func (s ToolScope) Merge(o ToolScope) ToolScope {
	if s.AllowAll || o.AllowAll {
		return ToolScope{AllowAll: true}
	}
	return ToolScope{
		Builtin:  unionStrings(s.Builtin, o.Builtin),
		External: unionStrings(s.External, o.External),
	}
}

// Empty reports whether the scope names nothing and does not allow all.
func (s ToolScope) Empty() bool {
	return !s.AllowAll && len(s.Builtin) == 0 && len(s.External) == 0
}

func unionStrings(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// AgentConfig describes one named sub-agent.
type AgentConfig struct {
	Role            string    `yaml:"role" json:"role"`
	Model           string    `yaml:"model,omitempty" json:"model,omitempty"`
	Instructions    string    `yaml:"instructions,omitempty" json:"instructions,omitempty"`
	Scope           ToolScope `yaml:"scope" json:"scope"`
	IncludeExternal bool      `yaml:"include_external" json:"include_external"`
}

// AgentInfo is a read-only roster entry for a sub-agent.
type AgentInfo struct {
	ID     string      `json:"id"`
	Config AgentConfig `json:"config"`
}
