package network

import (
	"context"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/sync/semaphore"

	"openhashdb-bitswap/network/bitswap/message"
	"openhashdb-bitswap/network/mtr"
)

// sendFunc performs one write to p. It calls take once the stream is ready;
// take returns everything merged into the job up to that moment.
type sendFunc func(ctx context.Context, p peer.ID, take func() *message.Message) error

// sendJob is one pending write to a peer. Callers whose messages were merged
// into the job all wait on done.
type sendJob struct {
	peer peer.ID
	msg  *message.Message
	done chan struct{}
	err  error
}

// sendQueue runs at most one write per peer at a time and at most
// concurrency writes overall. Until a job's stream is open and its message
// taken, new messages for that peer are merged into it, so a burst of sends
// to an undialed peer goes out as one frame.
type sendQueue struct {
	send sendFunc
	sem  *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}

	mu       sync.Mutex
	closed   bool
	order    []*sendJob
	pending  map[peer.ID]*sendJob
	inflight map[peer.ID]struct{}
}

func newSendQueue(ctx context.Context, concurrency int, send sendFunc) *sendQueue {
	if concurrency < 1 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	q := &sendQueue{
		send:     send,
		sem:      semaphore.NewWeighted(int64(concurrency)),
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		pending:  make(map[peer.ID]*sendJob),
		inflight: make(map[peer.ID]struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// push queues msg for p and waits for the write that carries it.
func (q *sendQueue) push(ctx context.Context, p peer.ID, msg *message.Message) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrNotStarted
	}
	job, ok := q.pending[p]
	if ok {
		job.msg = message.Merge(job.msg, msg)
		mtr.BitswapMessagesMergedTotal.Inc()
	} else {
		job = &sendJob{peer: p, msg: msg.Clone(), done: make(chan struct{})}
		q.pending[p] = job
		q.order = append(q.order, job)
	}
	q.mu.Unlock()
	q.signal()

	select {
	case <-job.done:
		return job.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *sendQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *sendQueue) run() {
	defer q.wg.Done()
	for {
		if err := q.sem.Acquire(q.ctx, 1); err != nil {
			return
		}
		job := q.next()
		if job == nil {
			q.sem.Release(1)
			return
		}
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			defer q.sem.Release(1)
			err := q.send(q.ctx, job.peer, func() *message.Message { return q.take(job) })
			q.finish(job, err)
		}()
	}
}

// next blocks until a job whose peer has nothing in flight is available.
func (q *sendQueue) next() *sendJob {
	for {
		q.mu.Lock()
		for i, j := range q.order {
			if _, busy := q.inflight[j.peer]; busy {
				continue
			}
			q.order = append(q.order[:i], q.order[i+1:]...)
			q.inflight[j.peer] = struct{}{}
			q.mu.Unlock()
			return j
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.ctx.Done():
			return nil
		}
	}
}

// take stops merging into job and returns its message.
func (q *sendQueue) take(job *sendJob) *message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending[job.peer] == job {
		delete(q.pending, job.peer)
	}
	return job.msg
}

func (q *sendQueue) finish(job *sendJob, err error) {
	q.mu.Lock()
	if q.pending[job.peer] == job {
		delete(q.pending, job.peer)
	}
	delete(q.inflight, job.peer)
	q.mu.Unlock()
	job.err = err
	close(job.done)
	q.signal()
}

// close stops the dispatcher, waits for running writes, and fails every job
// that never started.
func (q *sendQueue) close() {
	q.cancel()
	q.wg.Wait()

	q.mu.Lock()
	q.closed = true
	jobs := q.order
	q.order = nil
	q.pending = make(map[peer.ID]*sendJob)
	q.mu.Unlock()

	for _, j := range jobs {
		j.err = ErrNotStarted
		close(j.done)
	}
}

// queued reports the number of jobs waiting to start.
func (q *sendQueue) queued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}
