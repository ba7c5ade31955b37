package queue

import (
	"context"
	"log/slog"
	"sync"

	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/pkg/logger"
)

// MemoryQueue 使用 channel 模拟消息队列，适用于单进程部署与测试。
type MemoryQueue struct {
	ch     chan []byte
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{ch: make(chan []byte, size)}
}

// Publish 将消息投递到队列。负载会被复制，调用方可以复用缓冲区。
func (q *MemoryQueue) Publish(ctx context.Context, payload []byte) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	}
	msg := append([]byte(nil), payload...)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- msg:
		return nil
	}
}

// Len 返回尚未被消费的消息数量。
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Consume 启动指定数量的工作协程消费队列中的消息。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case payload, ok := <-q.ch:
					if !ok {
						return
					}
					if err := handler(ctx, payload); err != nil {
						logger.Named("queue").Warn("消息处理失败", slog.String("driver", "memory"), slog.String("error", err.Error()))
					}
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}
