package core

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/cowrite/internal/domain"
)

// ErrMerge wraps every update the document rejected.
var ErrMerge = errors.New("merge rejected")

// Change is the newly integrated part of an applied update.
type Change struct {
	Update []byte
	Origin domain.Origin
}

// Session wraps a Document and tags every applied update with its origin.
type Session struct {
	mu  sync.Mutex
	doc Document
}

func NewSession(doc Document) *Session {
	return &Session{doc: doc}
}

func (s *Session) Document() Document { return s.doc }

func (s *Session) StateVector() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.StateVector()
}

// Snapshot returns the whole document as a single update.
func (s *Session) Snapshot() ([]byte, error) {
	return s.DiffSince(nil)
}

func (s *Session) DiffSince(stateVector []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	diff, err := s.doc.Diff(stateVector)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMerge, err)
	}
	return diff, nil
}

// Apply merges update. The returned Change holds only what this session had
// not seen before; ok is false when nothing new was integrated, which is the
// case for an echo of an update the session produced or already relayed.
func (s *Session) Apply(update []byte, origin domain.Origin) (Change, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.doc.StateVector()
	if err := s.doc.Apply(update); err != nil {
		return Change{}, false, fmt.Errorf("%w: %v", ErrMerge, err)
	}
	if bytes.Equal(before, s.doc.StateVector()) {
		return Change{}, false, nil
	}
	delta, err := s.doc.Diff(before)
	if err != nil {
		return Change{}, false, fmt.Errorf("%w: %v", ErrMerge, err)
	}
	return Change{Update: delta, Origin: origin}, true, nil
}
