package gateway

// actor serializes all mutation of one space behind a single
// goroutine draining a job queue, giving every space the
// single-writer concurrency model: envelopes from different
// participants in the same space are never processed concurrently,
// so ordering and history-ring appends need no cross-goroutine
// coordination beyond the channel handoff itself.
type actor struct {
	jobs chan func()
	done chan struct{}
}

func newActor(queueDepth int) *actor {
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	a := &actor{jobs: make(chan func(), queueDepth), done: make(chan struct{})}
	go a.run()
	return a
}

func (a *actor) run() {
	defer close(a.done)
	for job := range a.jobs {
		job()
	}
}

// enqueue schedules job for execution on the actor's goroutine.
// Non-blocking best-effort: a full queue means the space is badly
// backed up, and the job is dropped rather than blocking the caller
// (typically a wsconn read-pump goroutine) indefinitely.
func (a *actor) enqueue(job func()) {
	select {
	case a.jobs <- job:
	default:
	}
}

// stop closes the job queue and waits for the goroutine to drain.
func (a *actor) stop() {
	close(a.jobs)
	<-a.done
}
