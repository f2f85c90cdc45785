package batch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunner_RunsAllTasksAndCollectsResults(t *testing.T) {
	r := &Runner{Concurrency: 4}

	var tasks []Task
	for i := 0; i < 10; i++ {
		i := i
		tasks = append(tasks, Task{
			Endpoint: string(rune('a' + i)),
			Run:      func() (any, error) { return i, nil },
		})
	}

	var mu sync.Mutex
	seen := map[string]bool{}
	stopCh := make(chan struct{})
	r.Run(tasks, stopCh, func(res Result) {
		mu.Lock()
		seen[res.Endpoint] = true
		mu.Unlock()
	})

	if len(seen) != 10 {
		t.Fatalf("expected all 10 tasks to complete, got %d", len(seen))
	}
}

func TestRunner_CancellationStopsNewSubmissions(t *testing.T) {
	r := &Runner{Concurrency: 1}

	stopCh := make(chan struct{})
	close(stopCh) // already cancelled before Run starts

	var tasks []Task
	for i := 0; i < 5; i++ {
		tasks = append(tasks, Task{Endpoint: "e", Run: func() (any, error) { return nil, nil }})
	}

	var count int
	r.Run(tasks, stopCh, func(res Result) { count++ })

	if count != 0 {
		t.Fatalf("expected no tasks to run once stopCh is already closed, got %d", count)
	}
}

// TestRunner_WaitsForInFlightTasksBeforeReturning cancels mid-submission,
// with tasks already running, and asserts Run does not return until every
// in-flight goroutine has actually finished — not merely until submission
// stops. A premature return here would let a straggler goroutine mutate
// onComplete's captured state after the caller has already moved on.
func TestRunner_WaitsForInFlightTasksBeforeReturning(t *testing.T) {
	r := &Runner{Concurrency: 3}

	const n = 20
	var inFlight int32
	stopCh := make(chan struct{})

	var tasks []Task
	for i := 0; i < n; i++ {
		i := i
		tasks = append(tasks, Task{
			Endpoint: string(rune('a' + i%26)),
			Run: func() (any, error) {
				atomic.AddInt32(&inFlight, 1)
				if i == 2 {
					close(stopCh) // cancel once a few tasks are already running
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil, nil
			},
		})
	}

	var mu sync.Mutex
	completed := 0
	r.Run(tasks, stopCh, func(res Result) {
		mu.Lock()
		completed++
		mu.Unlock()
	})

	if atomic.LoadInt32(&inFlight) != 0 {
		t.Fatalf("expected Run to return only after every in-flight task finished, %d still running", inFlight)
	}
	if completed == 0 {
		t.Fatal("expected at least the tasks submitted before cancellation to complete")
	}
	if completed == n {
		t.Fatal("expected cancellation to actually stop some submissions, not run every task")
	}
}
