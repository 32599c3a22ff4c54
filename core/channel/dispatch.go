package channel

import (
	"sync"

	"github.com/eschnou/sunorooms/logger"
)

type broadcastEntry struct {
	id uint64
	h  BroadcastHandler
}

type syncEntry struct {
	id uint64
	h  SyncHandler
}

// registry holds handlers keyed by subscription token.
type registry struct {
	mu        sync.Mutex
	nextID    uint64
	broadcast map[string][]broadcastEntry
	sync      []syncEntry
}

func newRegistry() *registry {
	return &registry{broadcast: make(map[string][]broadcastEntry)}
}

type subscription struct {
	once   sync.Once
	cancel func()
}

func (s *subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

func (r *registry) onBroadcast(event string, h BroadcastHandler) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.broadcast[event] = append(r.broadcast[event], broadcastEntry{id: id, h: h})

	return &subscription{cancel: func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		entries := r.broadcast[event]
		for i, e := range entries {
			if e.id == id {
				r.broadcast[event] = append(entries[:i:i], entries[i+1:]...)
				break
			}
		}
	}}
}

func (r *registry) onSync(h SyncHandler) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.sync = append(r.sync, syncEntry{id: id, h: h})

	return &subscription{cancel: func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, e := range r.sync {
			if e.id == id {
				r.sync = append(r.sync[:i:i], r.sync[i+1:]...)
				break
			}
		}
	}}
}

// dispatchBroadcast calls the handlers registered for msg.Event. The handler
// list is copied first so handlers may (un)register.
func (r *registry) dispatchBroadcast(msg Message) {
	r.mu.Lock()
	entries := append([]broadcastEntry(nil), r.broadcast[msg.Event]...)
	r.mu.Unlock()

	for _, e := range entries {
		safeCall(func() { e.h(msg) })
	}
}

func (r *registry) dispatchSync(state PresenceState) {
	r.mu.Lock()
	entries := append([]syncEntry(nil), r.sync...)
	r.mu.Unlock()

	for _, e := range entries {
		safeCall(func() { e.h(state.Clone()) })
	}
}

func safeCall(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Room channel handler panicked", logger.Any("panic", rec))
		}
	}()
	fn()
}

// deliveryQueue runs queued jobs in order on its own goroutine. Publishers
// never block on handlers and handlers may publish without deadlocking.
type deliveryQueue struct {
	mu     sync.Mutex
	jobs   []func()
	signal chan struct{}
	done   chan struct{}
	closed bool
}

func newDeliveryQueue() *deliveryQueue {
	q := &deliveryQueue{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *deliveryQueue) push(job func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *deliveryQueue) run() {
	for {
		select {
		case <-q.done:
			return
		case <-q.signal:
		}

		for {
			q.mu.Lock()
			if q.closed || len(q.jobs) == 0 {
				q.mu.Unlock()
				break
			}
			job := q.jobs[0]
			q.jobs[0] = nil
			q.jobs = q.jobs[1:]
			q.mu.Unlock()

			job()
		}
	}
}

// close drops pending jobs and stops the goroutine.
func (q *deliveryQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.jobs = nil
	close(q.done)
}
