package executor

import (
	"sync"
)

// Serial runs its tasks one at a time in submission order on top of a Pool.
type Serial struct {
	pool *Pool

	lock    sync.Mutex
	queue   []func()
	running bool
}

func NewSerial(pool *Pool) *Serial {
	return &Serial{pool: pool}
}

// Submit queues task. It fails only when the pool refuses to start a drain, and then
// task is not queued.
func (s *Serial) Submit(task func()) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.queue = append(s.queue, task)
	if s.running {
		return nil
	}
	// Pool.Submit never waits for the task, so the lock is held across it
	if err := s.pool.Submit(s.drain); err != nil {
		s.queue = s.queue[:len(s.queue)-1]
		return err
	}
	s.running = true
	return nil
}

func (s *Serial) drain() {
	for {
		s.lock.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.lock.Unlock()
			return
		}
		task := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.lock.Unlock()

		s.pool.run(task)
	}
}

// Pending reports the number of tasks waiting to run.
func (s *Serial) Pending() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.queue)
}
