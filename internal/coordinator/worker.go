package coordinator

import "sync"

// serialWorker runs queued jobs one at a time, in order, off the event loop.
// Session writes go through it so they reach the store in the order the
// loop made them.
type serialWorker struct {
	mu      sync.Mutex
	jobs    []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func newSerialWorker() *serialWorker {
	w := &serialWorker{wake: make(chan struct{}, 1), done: make(chan struct{})}
	go w.run()
	return w
}

func (w *serialWorker) enqueue(job func()) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.jobs = append(w.jobs, job)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *serialWorker) run() {
	defer close(w.done)
	for range w.wake {
		for {
			w.mu.Lock()
			jobs := w.jobs
			w.jobs = nil
			stopped := w.stopped
			w.mu.Unlock()

			for _, job := range jobs {
				job()
			}
			if len(jobs) == 0 {
				if stopped {
					return
				}
				break
			}
		}
	}
}

// stop runs the remaining jobs and waits for them.
func (w *serialWorker) stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.stopped = true
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
	<-w.done
}
