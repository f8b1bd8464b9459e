package capture

import "sync"

// executor runs tasks one at a time on a single goroutine. It is the
// dedicated capture context: frame callbacks and resource swaps posted to it
// never overlap.
type executor struct {
	name  string
	mu    sync.Mutex
	tasks chan func()
	quit  bool
	done  chan struct{}
}

func newExecutor(name string, depth int) *executor {
	e := &executor{
		name:  name,
		tasks: make(chan func(), depth),
		done:  make(chan struct{}),
	}
	go e.loop()
	return e
}

func (e *executor) loop() {
	defer close(e.done)
	for fn := range e.tasks {
		fn()
	}
}

// post queues fn and reports whether it was accepted.
func (e *executor) post(fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.quit {
		return false
	}
	e.tasks <- fn
	return true
}

// run queues fn and waits for it to finish.
func (e *executor) run(fn func()) bool {
	finished := make(chan struct{})
	if !e.post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	<-finished
	return true
}

// quitSafely lets already queued tasks finish and then stops the goroutine.
func (e *executor) quitSafely() {
	e.mu.Lock()
	if !e.quit {
		e.quit = true
		close(e.tasks)
	}
	e.mu.Unlock()
	<-e.done
}
