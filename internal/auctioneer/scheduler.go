package auctioneer

import (
	"sync"
	"time"
)

// Cancelable is a scheduled task that may be cancelled before it runs
type Cancelable interface {
	// Cancel reports whether the task was stopped before running
	Cancel() bool
}

// Scheduler runs auctioneer work: bid drains via Execute and watchdog
// and start tasks via Schedule.
type Scheduler interface {
	Execute(task func())
	Schedule(delay time.Duration, task func()) Cancelable
}

// GoScheduler runs each task on its own goroutine
type GoScheduler struct {
	wg sync.WaitGroup
}

// NewGoScheduler creates a goroutine backed scheduler
func NewGoScheduler() *GoScheduler {
	return &GoScheduler{}
}

// Execute runs task asynchronously
func (s *GoScheduler) Execute(task func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		task()
	}()
}

// Schedule runs task after delay unless cancelled first
func (s *GoScheduler) Schedule(delay time.Duration, task func()) Cancelable {
	s.wg.Add(1)
	t := time.AfterFunc(delay, func() {
		defer s.wg.Done()
		task()
	})
	return &timerTask{timer: t, wg: &s.wg}
}

// Wait blocks until all running and scheduled tasks have finished or
// been cancelled
func (s *GoScheduler) Wait() {
	s.wg.Wait()
}

type timerTask struct {
	timer *time.Timer
	wg    *sync.WaitGroup
}

func (t *timerTask) Cancel() bool {
	if t.timer.Stop() {
		t.wg.Done()
		return true
	}
	return false
}
