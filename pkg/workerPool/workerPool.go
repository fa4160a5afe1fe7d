package workerpool

import (
	"runtime"
	"sync"
)

// WorkerPool runs tasks on a fixed set of goroutines. Tasks are grouped in
// rooms; each room collects the results of its own tasks.
type WorkerPool struct {
	config    Config
	taskQueue chan func()
	closeOnce sync.Once
}

type Config struct {
	WorkerCount  int
	GlobalBuffer int
}

// Room collects the results of a group of tasks. Collection starts as soon
// as the room is created, so producers never block on a full result buffer.
type Room[T any] struct {
	result        []T
	resultChan    chan T
	wg            sync.WaitGroup
	collectorWait sync.WaitGroup
	wp            *WorkerPool
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU()
	}

	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 10000
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan func(), config.GlobalBuffer),
	}

	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}

	return wp
}

func (wp *WorkerPool) worker() {
	for task := range wp.taskQueue {
		task()
	}
}

func (wp *WorkerPool) Workers() int {
	return wp.config.WorkerCount
}

// Close stops the workers once queued tasks have run. No task may be added
// afterwards.
func (wp *WorkerPool) Close() {
	wp.closeOnce.Do(func() {
		close(wp.taskQueue)
	})
}

func NewRoom[T any](wp *WorkerPool, size int) *Room[T] {
	if size < 1 {
		size = 1
	}
	ro := &Room[T]{
		resultChan: make(chan T, size),
		wp:         wp,
	}

	ro.collectorWait.Add(1)
	go func() {
		defer ro.collectorWait.Done()
		for result := range ro.resultChan {
			ro.result = append(ro.result, result)
		}
	}()

	return ro
}

// NewTaskWaitForFreeSlot queues job, blocking while the global queue is full.
func (ro *Room[T]) NewTaskWaitForFreeSlot(job func() T) {
	ro.wg.Add(1)
	ro.wp.taskQueue <- func() {
		defer ro.wg.Done()
		ro.resultChan <- job()
	}
}

// Collect waits for every task of the room and returns their results in
// completion order. A room must not receive tasks after Collect.
func (ro *Room[T]) Collect() []T {
	ro.wg.Wait()
	close(ro.resultChan)
	ro.collectorWait.Wait()
	return ro.result
}
