package app

import "sync"

// dispatcher runs submitted jobs one at a time per peer, in submission
// order. Different peers proceed in parallel.
type dispatcher struct {
	mu     sync.Mutex
	queues map[string]*peerQueue
	wg     sync.WaitGroup
	closed bool
}

type peerQueue struct {
	jobs    []func()
	running bool
}

func newDispatcher() *dispatcher {
	return &dispatcher{queues: make(map[string]*peerQueue)}
}

func (d *dispatcher) Submit(peerID string, job func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}

	q, ok := d.queues[peerID]
	if !ok {
		q = &peerQueue{}
		d.queues[peerID] = q
	}
	q.jobs = append(q.jobs, job)
	if !q.running {
		q.running = true
		d.wg.Add(1)
		go d.run(peerID, q)
	}
	return true
}

func (d *dispatcher) run(peerID string, q *peerQueue) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(q.jobs) == 0 {
			q.running = false
			delete(d.queues, peerID)
			d.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		d.mu.Unlock()

		job()
	}
}

// Close rejects new jobs and waits for queued ones to finish.
func (d *dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
