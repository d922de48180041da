package models

import (
	"errors"
	"fmt"
	"time"
)

// Kind names the interaction a session was produced by. Each kind is stored
// in its own partition.
type Kind string

const (
	KindChat        Kind = "chat"
	KindPDFMCQ      Kind = "pdf-mcq"
	KindImageSolver Kind = "image-solver"
)

// Kinds lists every partition in aggregation order.
var Kinds = []Kind{KindChat, KindPDFMCQ, KindImageSolver}

// ParseKind validates a kind coming from the outside world.
func ParseKind(raw string) (Kind, error) {
	switch k := Kind(raw); k {
	case KindChat, KindPDFMCQ, KindImageSolver:
		return k, nil
	default:
		return "", fmt.Errorf("unknown session kind %q", raw)
	}
}

var ErrRecordKind = errors.New("record kind does not match session kind")

// Record is one atomic unit inside a session.
type Record interface {
	RecordKind() Kind
}

// Session groups the records of one interaction kind.
type Session struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Title     string         `json:"title"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Messages  []ChatMessage  `json:"messages,omitempty"`
	Questions []MCQItem      `json:"questions,omitempty"`
	Solutions []SolutionItem `json:"solutions,omitempty"`
}

// Len reports the number of records held for the session's kind.
func (s *Session) Len() int {
	if s == nil {
		return 0
	}
	return s.RecordCount(s.Kind)
}

// RecordCount reports the number of records of the given kind, whatever the
// session's own Kind field says.
func (s *Session) RecordCount(kind Kind) int {
	if s == nil {
		return 0
	}
	switch kind {
	case KindChat:
		return len(s.Messages)
	case KindPDFMCQ:
		return len(s.Questions)
	case KindImageSolver:
		return len(s.Solutions)
	default:
		return 0
	}
}

// Append adds a record, preserving call order.
func (s *Session) Append(r Record) error {
	if r == nil {
		return errors.New("record cannot be nil")
	}
	if r.RecordKind() != s.Kind {
		return fmt.Errorf("%w: %s into %s", ErrRecordKind, r.RecordKind(), s.Kind)
	}
	switch v := r.(type) {
	case ChatMessage:
		s.Messages = append(s.Messages, v)
	case MCQItem:
		s.Questions = append(s.Questions, v)
	case SolutionItem:
		s.Solutions = append(s.Solutions, v)
	default:
		return fmt.Errorf("unsupported record type %T", r)
	}
	return nil
}

// Clone returns a deep copy so callers can mutate without aliasing cached data.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Messages = append([]ChatMessage(nil), s.Messages...)
	if s.Questions != nil {
		c.Questions = make([]MCQItem, len(s.Questions))
		for i, q := range s.Questions {
			q.Options = append([]string(nil), q.Options...)
			c.Questions[i] = q
		}
	}
	if s.Solutions != nil {
		c.Solutions = make([]SolutionItem, len(s.Solutions))
		for i, sol := range s.Solutions {
			sol.Steps = append([]string(nil), sol.Steps...)
			c.Solutions[i] = sol
		}
	}
	return &c
}
