package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/razvanmacovei/stagevar-gateway/internal/envelope"
)

// Store is a thread-safe in-memory stage registry shared between the
// config loader, the controller and the router.
type Store struct {
	mu     sync.RWMutex
	stages map[string]Descriptor
}

// New creates a new empty registry.
func New() *Store {
	return &Store{
		stages: make(map[string]Descriptor),
	}
}

// Register binds stage to d, replacing any previous binding.
func (s *Store) Register(stage string, d Descriptor) error {
	if err := envelope.ValidateStage(stage); err != nil {
		return err
	}
	if d.Endpoint == nil {
		return errors.New("descriptor has no endpoint")
	}
	if d.ID == "" {
		d.ID = stage
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages[stage] = d
	return nil
}

// Unregister removes the binding for stage. It is a no-op when absent.
func (s *Store) Unregister(stage string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stages, stage)
}

// UnregisterMustExist removes the binding for stage and reports whether it existed.
func (s *Store) UnregisterMustExist(stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stages[stage]; !ok {
		return &RegistryMutationError{Op: "unregister", Stage: stage}
	}
	delete(s.stages, stage)
	return nil
}

// CompareAndUnregister removes the binding for stage only if it was registered
// by source. It returns true when a binding was removed.
func (s *Store) CompareAndUnregister(stage, source string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.stages[stage]
	if !ok || d.Source != source {
		return false
	}
	delete(s.stages, stage)
	return true
}

// Lookup returns the descriptor bound to stage.
func (s *Store) Lookup(stage string) (Descriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.stages[stage]
	return d, ok
}

// Stages returns the bound stage identifiers in sorted order.
func (s *Store) Stages() []string {
	s.mu.RLock()
	result := make([]string, 0, len(s.stages))
	for stage := range s.stages {
		result = append(result, stage)
	}
	s.mu.RUnlock()
	sort.Strings(result)
	return result
}

// Count returns the number of bound stages.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.stages)
}
