package sharpsync

import (
	"sync"

	"github.com/sharpsync/sharpsync/model"
)

// ProgressChanged reports overall plan execution progress, emitted as each
// action begins (spec §6.4); an action that fails as Cancelled or Timeout is
// followed by one more event with IsCancelled set.
type ProgressChanged struct {
	Operation       string
	CurrentFile     int
	TotalFiles      int
	Percentage      float64
	CurrentFileName string
	IsCancelled     bool
}

// FileProgressChanged reports byte-level progress within a single transfer,
// re-published from a Storage backend's ProgressFunc callback.
type FileProgressChanged struct {
	Path             model.Path
	BytesTransferred int64
	TotalBytes       int64
	Operation        string
	PercentComplete  float64
}

// ConflictDetected is emitted the moment a conflict action is reached during
// execution, before the resolver runs.
type ConflictDetected struct {
	FilePath     model.Path
	LocalItem    *model.SyncItem
	RemoteItem   *model.SyncItem
	ConflictType model.ConflictType
}

// eventBus fans out engine events to any number of subscribers without
// blocking the engine if a subscriber falls behind. Grounded on this
// codebase's SyncStatus Subscribe/Unsubscribe/broadcastEvent idiom
// (internal/client/sync/sync_status.go), generalized from one fixed event
// type to any of the three above.
type eventBus struct {
	mu   sync.RWMutex
	subs []chan any
}

func newEventBus() *eventBus {
	return &eventBus{}
}

// Subscribe returns a channel that receives every event published after this
// call. The caller must eventually call Unsubscribe to release it.
func (b *eventBus) Subscribe() <-chan any {
	ch := make(chan any, 32)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe stops and closes ch. Safe to call more than once.
func (b *eventBus) Unsubscribe(ch <-chan any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == ch {
			close(sub)
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *eventBus) publish(event any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub <- event:
		default:
		}
	}
}

func (b *eventBus) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}
