package usecase

import (
	"sync"

	"idekick/internal/domain"
)

// ScopeService tracks the session's tool-visibility selections. A sticky
// selection persists across turns until replaced; a per-turn selection is
// unioned in for exactly one turn and then consumed. With no selection at
// all, the configured default policy applies (typically allow-all).
type ScopeService struct {
	mu              sync.Mutex
	sticky          domain.ToolScope
	turn            domain.ToolScope
	hasTurn         bool
	allowAllDefault bool
}

func NewScopeService(allowAllDefault bool) *ScopeService {
	return &ScopeService{allowAllDefault: allowAllDefault}
}

// SetSticky replaces the sticky selection.
func (s *ScopeService) SetSticky(scope domain.ToolScope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sticky = scope
}

// SetTurn stages a selection for the next turn only.
func (s *ScopeService) SetTurn(scope domain.ToolScope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turn = scope
	s.hasTurn = true
}

// Sticky returns the current sticky selection.
func (s *ScopeService) Sticky() domain.ToolScope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sticky
}

// TakeTurnScope computes the effective scope for the turn being started:
// the union of the sticky and per-turn selections, with the per-turn part
// consumed. When neither selection names anything, the default policy
// decides between allow-all and allow-nothing.
func (s *ScopeService) TakeTurnScope() domain.ToolScope {
	s.mu.Lock()
	defer s.mu.Unlock()

	effective := s.sticky
	if s.hasTurn {
		effective = effective.Merge(s.turn)
		s.turn = domain.ToolScope{}
		s.hasTurn = false
	}
	if effective.Empty() && s.allowAllDefault {
		return domain.ToolScope{AllowAll: true}
	}
	return effective
}

// Reset drops both selections.
func (s *ScopeService) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sticky = domain.ToolScope{}
	s.turn = domain.ToolScope{}
	s.hasTurn = false
}
