package notify

import (
	"sync"
	"time"

	"perfwatch/core"
)

// BatchState is the lifecycle of a batch
type BatchState string

const (
	BatchAccumulating BatchState = "accumulating"
	BatchReady        BatchState = "ready"
)

// claimed is a queue item together with the token that owns it
type claimed struct {
	item  *core.NotificationQueueItem
	token string
}

// Batch is a group of claimed items bound for one endpoint
type Batch struct {
	EndpointID string
	State      BatchState
	OpenedAt   time.Time
	items      []claimed
}

// Size returns the number of items in the batch
func (b *Batch) Size() int {
	return len(b.items)
}

// Batcher accumulates items per endpoint until the batch is full or has
// waited long enough
type Batcher struct {
	maxSize int
	maxWait time.Duration
	clock   core.Clock

	mu      sync.Mutex
	pending map[string]*Batch
}

// NewBatcher creates a batcher bounded by maxSize items and maxWait age
func NewBatcher(maxSize int, maxWait time.Duration, clock core.Clock) *Batcher {
	if maxSize < 1 {
		maxSize = 1
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Batcher{
		maxSize: maxSize,
		maxWait: maxWait,
		clock:   clock,
		pending: make(map[string]*Batch),
	}
}

// Add appends a claimed item. An item already in the batch is replaced, so a
// re-claim after the previous claim expired keeps only the newest token. When
// the batch reaches maxSize it is detached, marked ready and returned.
func (b *Batcher) Add(endpointID string, it *core.NotificationQueueItem, token string) *Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	batch, ok := b.pending[endpointID]
	if !ok {
		batch = &Batch{EndpointID: endpointID, State: BatchAccumulating, OpenedAt: b.clock.Now()}
		b.pending[endpointID] = batch
	}
	entry := claimed{item: it, token: token}
	replaced := false
	for i := range batch.items {
		if batch.items[i].item.ID == it.ID {
			batch.items[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		batch.items = append(batch.items, entry)
	}

	if len(batch.items) >= b.maxSize {
		delete(b.pending, endpointID)
		batch.State = BatchReady
		return batch
	}
	return nil
}

// Ready detaches and returns every batch that has waited at least maxWait
func (b *Batcher) Ready() []*Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	var out []*Batch
	for id, batch := range b.pending {
		if now.Sub(batch.OpenedAt) >= b.maxWait {
			delete(b.pending, id)
			batch.State = BatchReady
			out = append(out, batch)
		}
	}
	return out
}

// Flush detaches every batch regardless of age
func (b *Batcher) Flush() []*Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*Batch, 0, len(b.pending))
	for id, batch := range b.pending {
		delete(b.pending, id)
		batch.State = BatchReady
		out = append(out, batch)
	}
	return out
}

// Pending returns how many items are accumulating across all endpoints
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, batch := range b.pending {
		n += len(batch.items)
	}
	return n
}
