package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

const memoryQueueCap = 1024

// MemoryBroker keeps queues in process memory. It backs tests and the
// queueless dev mode; jobs do not survive a restart.
type MemoryBroker struct {
	mu      sync.Mutex
	pending map[string]chan []byte
	delayed map[string][]delayedJob
	records map[string][][]byte
}

type delayedJob struct {
	raw     []byte
	readyAt time.Time
}

// NewMemoryBroker builds an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		pending: make(map[string]chan []byte),
		delayed: make(map[string][]delayedJob),
		records: make(map[string][][]byte),
	}
}

func (b *MemoryBroker) channel(queue string) chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.pending[queue]
	if !ok {
		ch = make(chan []byte, memoryQueueCap)
		b.pending[queue] = ch
	}
	return ch
}

func (b *MemoryBroker) Push(ctx context.Context, queue string, raw []byte) error {
	select {
	case b.channel(queue) <- raw:
		return nil
	default:
		return errors.New("queue: memory broker full")
	}
}

func (b *MemoryBroker) Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case raw := <-b.channel(queue):
		return raw, nil
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *MemoryBroker) Schedule(ctx context.Context, queue string, raw []byte, readyAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delayed[queue] = append(b.delayed[queue], delayedJob{raw: raw, readyAt: readyAt})
	return nil
}

func (b *MemoryBroker) Due(ctx context.Context, queue string, now time.Time, limit int) ([][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	parked := b.delayed[queue]
	sort.SliceStable(parked, func(i, j int) bool { return parked[i].readyAt.Before(parked[j].readyAt) })
	var due [][]byte
	var rest []delayedJob
	for _, d := range parked {
		if len(due) < limit && !d.readyAt.After(now) {
			due = append(due, d.raw)
			continue
		}
		rest = append(rest, d)
	}
	b.delayed[queue] = rest
	return due, nil
}

func (b *MemoryBroker) Record(ctx context.Context, queue, outcome string, raw []byte, keep int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := queue + "|" + outcome
	recs := append([][]byte{raw}, b.records[key]...)
	if len(recs) > keep {
		recs = recs[:keep]
	}
	b.records[key] = recs
	return nil
}

func (b *MemoryBroker) Depth(ctx context.Context, queue string) (int64, int64, error) {
	ready := int64(len(b.channel(queue)))
	b.mu.Lock()
	defer b.mu.Unlock()
	return ready, int64(len(b.delayed[queue])), nil
}

func (b *MemoryBroker) Ping(ctx context.Context) error { return nil }

// recorded returns retained outcome records, newest first. Test
// support.
func (b *MemoryBroker) recorded(queue, outcome string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	recs := b.records[queue+"|"+outcome]
	out := make([][]byte, len(recs))
	copy(out, recs)
	return out
}
