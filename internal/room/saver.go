package room

import (
	"sync"
	"time"
)

// saver coalesces snapshot writes: any number of schedule calls within one
// delay window produce a single save.
type saver struct {
	delay time.Duration
	save  func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool

	// running is held for the duration of a save so stop can wait it out.
	running sync.Mutex
}

func newSaver(delay time.Duration, save func()) *saver {
	if delay <= 0 {
		delay = 2 * time.Second
	}
	return &saver{delay: delay, save: save}
}

func (s *saver) schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.delay, s.fire)
}

func (s *saver) fire() {
	s.mu.Lock()
	s.timer = nil
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}
	s.running.Lock()
	defer s.running.Unlock()
	s.save()
}

// flush runs a pending save now.
func (s *saver) flush() {
	s.mu.Lock()
	pending := s.timer != nil && s.timer.Stop()
	if pending {
		s.timer = nil
	}
	s.mu.Unlock()
	if !pending {
		return
	}
	s.running.Lock()
	defer s.running.Unlock()
	s.save()
}

// stop cancels pending saves and waits for one in progress.
func (s *saver) stop() {
	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.running.Lock()
	s.running.Unlock()
}
