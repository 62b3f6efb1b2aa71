package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xscopehub/grantflow/internal/workflow"
)

type memItem struct {
	msg            Message
	invisibleUntil time.Time
	acked          bool
}

// MemorySource is an in-process queue with a visibility window. A zero
// window makes unacknowledged messages visible again on the next Fetch.
type MemorySource struct {
	mu         sync.Mutex
	visibility time.Duration
	now        func() time.Time
	items      []*memItem
	dead       []Message
	failFetch  []error
}

func NewMemorySource(visibility time.Duration) *MemorySource {
	return &MemorySource{visibility: visibility, now: time.Now}
}

// SetClock replaces the time source used for the visibility window.
func (s *MemorySource) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Push enqueues body under a fresh message id.
func (s *MemorySource) Push(body []byte) string {
	return s.PushWithID(uuid.NewString(), body)
}

// PushWithID enqueues body under id. Pushing an id twice simulates a
// producer-side duplicate.
func (s *MemorySource) PushWithID(id string, body []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, &memItem{msg: Message{ID: id, Body: append([]byte(nil), body...)}})
	return id
}

func (s *MemorySource) PushEvent(ev workflow.Event) (string, error) {
	body, err := Encode(ev)
	if err != nil {
		return "", err
	}
	return s.Push(body), nil
}

// FailNextFetch makes the next len(errs) Fetch calls fail.
func (s *MemorySource) FailNextFetch(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFetch = append(s.failFetch, errs...)
}

func (s *MemorySource) Fetch(ctx context.Context, max int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failFetch) > 0 {
		err := s.failFetch[0]
		s.failFetch = s.failFetch[1:]
		return nil, err
	}
	now := s.now()
	var out []Message
	for _, it := range s.items {
		if max > 0 && len(out) == max {
			break
		}
		if it.acked || now.Before(it.invisibleUntil) {
			continue
		}
		it.msg.ReceiveCount++
		it.invisibleUntil = now.Add(s.visibility)
		m := it.msg
		m.handle = it
		out = append(out, m)
	}
	return out, nil
}

func (s *MemorySource) Ack(_ context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := m.handle.(*memItem)
	if !ok {
		return fmt.Errorf("ack %s: foreign message", m.ID)
	}
	it.acked = true
	return nil
}

func (s *MemorySource) Reject(_ context.Context, m Message, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := m.handle.(*memItem)
	if !ok {
		return fmt.Errorf("reject %s: foreign message", m.ID)
	}
	it.acked = true
	dead := it.msg
	s.dead = append(s.dead, dead)
	return nil
}

// Pending counts messages that have not been acknowledged or rejected.
func (s *MemorySource) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.items {
		if !it.acked {
			n++
		}
	}
	return n
}

func (s *MemorySource) DeadLetters() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.dead...)
}
