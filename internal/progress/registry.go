package progress

import (
	"sync"

	"github.com/google/uuid"
)

// Info is the observable record of one download. Observers receive copies.
type Info struct {
	ID       uuid.UUID
	Name     string
	Progress float64 // fraction in [0, 1]

	Bytes int64  // bytes received so far
	Size  int64  // declared size
	State string // lifecycle state of the download
	Done  bool   // State is terminal
}

// Registry keeps the Info of every download started through it and fans
// updates out to subscribers. Publishing never blocks: a subscriber that
// falls behind misses intermediate updates.
type Registry struct {
	mu     sync.RWMutex
	order  []uuid.UUID
	infos  map[uuid.UUID]Info
	subs   map[int]chan Info
	nextID int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		infos: make(map[uuid.UUID]Info),
		subs:  make(map[int]chan Info),
	}
}

// Add registers a new download with progress 0 and returns its record.
func (r *Registry) Add(name string, size int64, state string) Info {
	info := Info{
		ID:    uuid.New(),
		Name:  name,
		Size:  size,
		State: state,
	}

	r.mu.Lock()
	r.order = append(r.order, info.ID)
	r.infos[info.ID] = info
	r.mu.Unlock()

	r.Publish(info)
	return info
}

// Publish stores info and forwards it to subscribers. Records that were
// never added, or have been removed, are ignored.
func (r *Registry) Publish(info Info) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.infos[info.ID]; !ok {
		return
	}
	r.infos[info.ID] = info

	for _, ch := range r.subs {
		select {
		case ch <- info:
		default:
		}
	}
}

// Get returns the current record for id.
func (r *Registry) Get(id uuid.UUID) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.infos[id]
	return info, ok
}

// Snapshot returns all records in registration order.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.infos[id])
	}
	return out
}

// Remove forgets a record. Owners call this once they no longer display it.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.infos[id]; !ok {
		return
	}
	delete(r.infos, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Subscribe returns a channel of updates buffered to size, and a function
// that cancels the subscription and closes the channel.
func (r *Registry) Subscribe(size int) (<-chan Info, func()) {
	if size <= 0 {
		size = 64
	}
	ch := make(chan Info, size)

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(ch)
		})
	}
}
