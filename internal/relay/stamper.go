package relay

import (
	"sync"
	"time"
)

// Stamper hands out creation times at microsecond precision that strictly
// increase across calls, even if the wall clock steps backwards.
type Stamper struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func NewStamper(now func() time.Time) *Stamper {
	if now == nil {
		now = time.Now
	}
	return &Stamper{now: now}
}

func (s *Stamper) Next() time.Time {
	t := s.now().UTC().Truncate(time.Microsecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}
