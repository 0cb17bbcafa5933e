package session

import (
	"sync"

	model "github.com/zhouzirui/freeze-detector/backend/internal/model/session"
)

// broker fans session snapshots out to watchers. Each subscriber holds at
// most one pending snapshot; a newer one replaces it, so publishers never
// block on slow readers.
type broker struct {
	mu   sync.Mutex
	subs map[string]map[chan model.Session]struct{}
}

func newBroker() *broker {
	return &broker{subs: make(map[string]map[chan model.Session]struct{})}
}

func (b *broker) subscribe(id string) (<-chan model.Session, func()) {
	ch := make(chan model.Session, 1)

	b.mu.Lock()
	if b.subs[id] == nil {
		b.subs[id] = make(map[chan model.Session]struct{})
	}
	b.subs[id][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[id], ch)
			if len(b.subs[id]) == 0 {
				delete(b.subs, id)
			}
			close(ch)
		})
	}
	return ch, cancel
}

func (b *broker) publish(s model.Session) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs[s.ID] {
		snapshot := s.Clone()
		select {
		case ch <- snapshot:
			continue
		default:
		}
		// drop the stale snapshot and retry once
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}
}

func (b *broker) count(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[id])
}
