package xid

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%s", prefix, id.String())
}

// Sequence hands out strictly increasing millisecond tokens, bumping past the
// clock when two calls land in the same millisecond or the clock steps back.
type Sequence struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func NewSequence(now func() time.Time) *Sequence {
	if now == nil {
		now = time.Now
	}
	return &Sequence{now: now}
}

// Observe raises the floor so tokens restored from storage are never reissued.
func (s *Sequence) Observe(token string) {
	v, err := strconv.ParseInt(token, 10, 64)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if v > s.last {
		s.last = v
	}
}

func (s *Sequence) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.now().UnixMilli()
	if v <= s.last {
		v = s.last + 1
	}
	s.last = v
	return strconv.FormatInt(v, 10)
}
