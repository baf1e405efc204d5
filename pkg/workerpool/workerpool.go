// Package workerpool runs queued jobs on a fixed set of workers. Rooms
// group related jobs and collect their results.
package workerpool

import (
	"fmt"
	"runtime"
	"sync"
)

type WorkerPool struct {
	config    Config
	taskQueue chan task

	mu     sync.Mutex
	closed bool
}

type Config struct {
	WorkerCount  int
	GlobalBuffer int
}

type Room struct {
	resultChan chan interface{}
	wg         sync.WaitGroup
	wp         *WorkerPool
}

type task struct {
	run  func() interface{}
	room *Room
}

func New(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU()
	}
	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 1024
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan task, config.GlobalBuffer),
	}

	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}

	return wp
}

func (wp *WorkerPool) worker() {
	for t := range wp.taskQueue {
		t.room.resultChan <- t.run()
		t.room.wg.Done()
	}
}

// Close stops accepting new tasks. Workers drain the queue and exit.
// Idempotent.
func (wp *WorkerPool) Close() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.closed {
		return
	}
	wp.closed = true
	close(wp.taskQueue)
}

func (wp *WorkerPool) CreateRoom(size int) *Room {
	return &Room{
		resultChan: make(chan interface{}, size),
		wp:         wp,
	}
}

// Submit queues a job. Fails if the pool is closed or the global buffer
// is full. The mutex covers the send so Submit never races Close onto a
// closed channel.
func (ro *Room) Submit(job func() interface{}) error {
	wp := ro.wp
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.closed {
		return fmt.Errorf("workerpool: pool is closed")
	}
	if len(wp.taskQueue) == cap(wp.taskQueue) {
		return fmt.Errorf("workerpool: global buffer is full")
	}
	ro.wg.Add(1)
	wp.taskQueue <- task{run: job, room: ro}
	return nil
}

// Collect waits for all submitted jobs and returns their results.
func (ro *Room) Collect() []interface{} {
	go ro.waitAndClose()

	results := make([]interface{}, 0)
	for result := range ro.resultChan {
		results = append(results, result)
	}
	return results
}

func (ro *Room) waitAndClose() {
	ro.wg.Wait()
	close(ro.resultChan)
}
