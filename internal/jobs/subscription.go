package jobs

// Subscription receives the events of one job in production order. The
// channel is closed after the final event, on Close, or when the subscriber
// falls behind; Err tells the last case apart.
type Subscription struct {
	id     string
	ch     chan Event
	err    error
	closed bool
	store  *Store
}

func (s *Subscription) Events() <-chan Event { return s.ch }

// Err is ErrSlowSubscriber once the subscription was dropped, nil otherwise.
// Only meaningful after the channel is closed.
func (s *Subscription) Err() error {
	if s.store == nil {
		return s.err
	}
	e := s.store.entry(s.id)
	if e == nil {
		return s.err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.err
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	if s.store == nil {
		return
	}
	e := s.store.entry(s.id)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.detach(s, nil)
}

// closedSubscription is returned for jobs that are already terminal.
func closedSubscription(id string) *Subscription {
	s := &Subscription{id: id, ch: make(chan Event), closed: true}
	close(s.ch)
	return s
}
