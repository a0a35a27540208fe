package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryBackend is a bounded in-process store. When full, the oldest entry
// is evicted.
type MemoryBackend struct {
	capacity int

	mu    sync.Mutex
	order *list.List
	items map[memoryKey]*list.Element
}

type memoryKey struct {
	namespace string
	key       string
}

type memoryItem struct {
	id      memoryKey
	value   []byte
	created time.Time
}

// NewMemoryBackend creates a memory backend holding at most capacity
// entries. A capacity of zero or less means unbounded.
func NewMemoryBackend(capacity int) *MemoryBackend {
	return &MemoryBackend{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[memoryKey]*list.Element),
	}
}

func (b *MemoryBackend) Get(_ context.Context, namespace, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	el, ok := b.items[memoryKey{namespace, key}]
	if !ok {
		return nil, false, nil
	}
	v := el.Value.(*memoryItem).value
	return append([]byte(nil), v...), true, nil
}

func (b *MemoryBackend) Set(_ context.Context, namespace, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := memoryKey{namespace, key}
	if el, ok := b.items[id]; ok {
		b.order.Remove(el)
		delete(b.items, id)
	}
	b.items[id] = b.order.PushBack(&memoryItem{
		id:      id,
		value:   append([]byte(nil), value...),
		created: time.Now(),
	})

	for b.capacity > 0 && b.order.Len() > b.capacity {
		oldest := b.order.Front()
		b.order.Remove(oldest)
		delete(b.items, oldest.Value.(*memoryItem).id)
	}
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, namespace, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := memoryKey{namespace, key}
	if el, ok := b.items[id]; ok {
		b.order.Remove(el)
		delete(b.items, id)
	}
	return nil
}

func (b *MemoryBackend) Close() error { return nil }

// Count returns the number of stored entries.
func (b *MemoryBackend) Count(context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(b.order.Len()), nil
}

// Prune removes entries older than olderThan.
func (b *MemoryBackend) Prune(_ context.Context, olderThan time.Duration) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var n int64
	for el := b.order.Front(); el != nil; {
		next := el.Next()
		item := el.Value.(*memoryItem)
		if !item.created.After(cutoff) {
			b.order.Remove(el)
			delete(b.items, item.id)
			n++
		}
		el = next
	}
	return n, nil
}
