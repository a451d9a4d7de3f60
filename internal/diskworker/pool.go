package diskworker

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/fastdfs-go/storaged/internal/logging"
)

var log = logging.For("diskworker")

// Direction partitions the worker pool: distinct store paths map to
// disjoint worker sets, and read/write ops may share workers when
// configured. Keeping read and write as separate directions by default
// gives each spindle independent read and write queues; NewPool's
// sharedDirection argument collapses them onto one queue.
type Direction int

const (
	DirWrite Direction = iota
	DirRead
)

type key struct {
	storePathIndex int
	dir            Direction
}

// request pairs a submitted Op with the channel its Result/error is
// delivered on, and the worker-pool's request queue is this type's channel.
type request struct {
	op     *Op
	result chan<- outcome
}

type outcome struct {
	res Result
	err error
}

// Pool is a fixed number of worker goroutines per (store-path, direction),
// all pulling File-Op contexts from that pair's single queue. The queue
// hands ops out in submission order, but with more than one worker per
// queue, ops taken from the same queue run concurrently and can finish out
// of order; only with one worker per queue does a queue execute its ops
// strictly one after another.
type Pool struct {
	mu      sync.Mutex
	queues  map[key]chan request
	workers int

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	sharedDirection bool
}

// NewPool builds a Pool with workersPerQueue goroutines behind each
// (store-path, direction) queue. sharedDirection, when true, merges read
// and write ops for a store path onto a single queue.
func NewPool(workersPerQueue int, sharedDirection bool) *Pool {
	if workersPerQueue <= 0 {
		workersPerQueue = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	return &Pool{
		queues:          make(map[key]chan request),
		workers:         workersPerQueue,
		group:           g,
		ctx:             gctx,
		cancel:          cancel,
		sharedDirection: sharedDirection,
	}
}

func (p *Pool) queueFor(storePathIndex int, dir Direction) chan request {
	if p.sharedDirection {
		dir = DirWrite
	}
	k := key{storePathIndex: storePathIndex, dir: dir}

	p.mu.Lock()
	defer p.mu.Unlock()
	if q, ok := p.queues[k]; ok {
		return q
	}
	q := make(chan request, p.workers*4)
	p.queues[k] = q
	for i := 0; i < p.workers; i++ {
		p.group.Go(func() error {
			return p.run(q)
		})
	}
	return q
}

func (p *Pool) run(q chan request) error {
	for {
		select {
		case <-p.ctx.Done():
			return nil
		case req, ok := <-q:
			if !ok {
				return nil
			}
			res, err := Execute(req.op)
			if err != nil {
				log.WithError(err).WithField("kind", req.op.Kind).Warn("disk op failed")
			}
			req.result <- outcome{res: res, err: err}
		}
	}
}

// Submit enqueues op on the worker set for (storePathIndex, dir) and blocks
// until it completes.
func (p *Pool) Submit(storePathIndex int, dir Direction, op *Op) (Result, error) {
	q := p.queueFor(storePathIndex, dir)
	result := make(chan outcome, 1)
	select {
	case q <- request{op: op, result: result}:
	case <-p.ctx.Done():
		return Result{}, fmt.Errorf("diskworker: pool stopped")
	}
	select {
	case out := <-result:
		return out.res, out.err
	case <-p.ctx.Done():
		return Result{}, fmt.Errorf("diskworker: pool stopped")
	}
}

// Stop cancels every worker and waits for in-flight ops (already pulled off
// a queue) to finish. Queued-but-unstarted ops are abandoned: a
// connection close cancels only pending network work, never a disk op
// already in progress.
func (p *Pool) Stop() error {
	p.cancel()
	return p.group.Wait()
}
