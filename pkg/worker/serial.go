package worker

import (
	"fmt"
	"sync"

	"github.com/sipeed/linkdrop/pkg/logger"
)

// Serial runs functions in arrival order per key; different keys proceed
// concurrently. Each active key owns exactly one draining goroutine.
type Serial struct {
	mu     sync.Mutex
	queues map[int64][]func()
	wg     sync.WaitGroup
}

func NewSerial() *Serial {
	return &Serial{queues: make(map[int64][]func())}
}

func (s *Serial) Do(key int64, fn func()) {
	s.mu.Lock()
	s.wg.Add(1)
	q, draining := s.queues[key]
	s.queues[key] = append(q, fn)
	s.mu.Unlock()

	if !draining {
		go s.drain(key)
	}
}

func (s *Serial) drain(key int64) {
	for {
		s.mu.Lock()
		q := s.queues[key]
		if len(q) == 0 {
			delete(s.queues, key)
			s.mu.Unlock()
			return
		}
		fn := q[0]
		s.queues[key] = q[1:]
		s.mu.Unlock()

		s.run(key, fn)
		s.wg.Done()
	}
}

func (s *Serial) run(key int64, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("worker", "Serial handler panicked", map[string]interface{}{
				"key":   key,
				"panic": fmt.Sprint(r),
			})
		}
	}()
	fn()
}

// Wait blocks until every queued function has run.
func (s *Serial) Wait() {
	s.wg.Wait()
}
