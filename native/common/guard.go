package common

import (
	"errors"
	"strings"
	"sync"
)

var ErrModulePaused = errors.New("module paused")

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// GuardAction checks both the module switch and the per-action switch
// (module + "." + action).
func GuardAction(p PauseView, module, action string) error {
	if err := Guard(p, module); err != nil {
		return err
	}
	if action == "" {
		return nil
	}
	return Guard(p, module+"."+action)
}

// PauseSet is a concurrency-safe PauseView backed by an in-memory set.
type PauseSet struct {
	mu     sync.RWMutex
	paused map[string]struct{}
}

func NewPauseSet(keys ...string) *PauseSet {
	set := &PauseSet{paused: make(map[string]struct{})}
	for _, key := range keys {
		set.Pause(key)
	}
	return set
}

func (s *PauseSet) IsPaused(module string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.paused[strings.TrimSpace(module)]
	return ok
}

func (s *PauseSet) Pause(module string) {
	key := strings.TrimSpace(module)
	if key == "" {
		return
	}
	s.mu.Lock()
	s.paused[key] = struct{}{}
	s.mu.Unlock()
}

func (s *PauseSet) Resume(module string) {
	s.mu.Lock()
	delete(s.paused, strings.TrimSpace(module))
	s.mu.Unlock()
}
