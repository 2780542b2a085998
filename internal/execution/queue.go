package execution

import (
	"context"
	"sync"

	"signal-trader/internal/trading"
)

// intentQueue 为无界多生产者单消费者队列，入队永不阻塞。
type intentQueue struct {
	mu     sync.Mutex
	items  []trading.TradeIntent
	notify chan struct{}
}

func newIntentQueue() *intentQueue {
	return &intentQueue{notify: make(chan struct{}, 1)}
}

func (q *intentQueue) Push(intent trading.TradeIntent) {
	q.mu.Lock()
	q.items = append(q.items, intent)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop 阻塞到有意图可取或 ctx 结束。
func (q *intentQueue) Pop(ctx context.Context) (trading.TradeIntent, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			intent := q.items[0]
			q.items[0] = trading.TradeIntent{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return intent, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return trading.TradeIntent{}, false
		case <-q.notify:
		}
	}
}

func (q *intentQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain 取出剩余全部意图。
func (q *intentQueue) Drain() []trading.TradeIntent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}
