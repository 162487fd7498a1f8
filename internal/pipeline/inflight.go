package pipeline

import "sync"

// inflightRegistry provides keyed mutual exclusion for item generation.
// Overlapping regeneration requests for the same item id join the one
// in-flight operation instead of racing to upsert the same record.
type inflightRegistry struct {
	mutex sync.Mutex
	calls map[string]chan struct{}
}

func newInflightRegistry() *inflightRegistry {
	return &inflightRegistry{
		mutex: sync.Mutex{},
		calls: make(map[string]chan struct{}),
	}
}

// acquire claims the key for the caller. When the claim succeeds the
// returned release function must be called exactly once; when it fails
// another generation of the same item is already in flight.
func (r *inflightRegistry) acquire(key string) (release func(), acquired bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	_, busy := r.calls[key]
	if busy {
		return nil, false
	}

	done := make(chan struct{})
	r.calls[key] = done

	return func() {
		r.mutex.Lock()
		delete(r.calls, key)
		r.mutex.Unlock()
		close(done)
	}, true
}

// wait blocks until the in-flight operation for the key (if any) finishes.
func (r *inflightRegistry) wait(key string) {
	r.mutex.Lock()
	done, busy := r.calls[key]
	r.mutex.Unlock()

	if busy {
		<-done
	}
}
