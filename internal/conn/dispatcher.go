// internal/conn/dispatcher.go
package conn

import (
	"log"
	"sync"

	"github.com/novix-app/novix-engine/internal/models"
)

// 每章节队列的缓冲大小
const queueSize = 256

// dispatcher 按章节键解复用入站消息
//
// 每个章节键对应一条专属队列和一个消费协程：
// 章节内的消息严格按到达顺序处理，不同章节互不阻塞。
// 无章节键的消息进入哨兵桶（models.NoChapter）。
type dispatcher struct {
	mu      sync.Mutex
	queues  map[models.ChapterKey]chan models.Envelope
	handler EnvelopeHandler
	closed  bool
	wg      sync.WaitGroup
}

func newDispatcher(handler EnvelopeHandler) *dispatcher {
	return &dispatcher{
		queues:  make(map[models.ChapterKey]chan models.Envelope),
		handler: handler,
	}
}

// route 将消息投递到其章节的队列
func (d *dispatcher) route(envelope models.Envelope) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}

	queue, exists := d.queues[envelope.Chapter]
	if !exists {
		queue = make(chan models.Envelope, queueSize)
		d.queues[envelope.Chapter] = queue
		d.wg.Add(1)
		go d.drain(queue)
	}
	d.mu.Unlock()

	select {
	case queue <- envelope:
	default:
		// 队列满，丢弃并记录，绝不阻塞读循环
		log.Printf("⚠️ 章节 %q 的消息队列已满，消息被丢弃 (类型: %s)", envelope.Chapter, envelope.Type)
	}
}

// drain 单章节消费循环
func (d *dispatcher) drain(queue chan models.Envelope) {
	defer d.wg.Done()
	for envelope := range queue {
		if d.handler != nil {
			d.handler(envelope)
		}
	}
}

// shutdown 关闭所有章节队列并等待消费协程退出
func (d *dispatcher) shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, queue := range d.queues {
		close(queue)
	}
	d.mu.Unlock()

	d.wg.Wait()
}
