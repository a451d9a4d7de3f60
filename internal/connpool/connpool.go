// Package connpool implements an outbound connection pool: connections to
// trackers and peers keyed by address, with idle eviction, guarded by a
// single mutex per server's queue.
package connpool

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// Dialer opens a fresh connection to addr. Production wiring is net.Dial;
// tests substitute an in-memory pipe.
type Dialer func(addr string) (net.Conn, error)

type pooledConn struct {
	conn    net.Conn
	idleAt  time.Time
}

type serverQueue struct {
	mu      sync.Mutex
	idle    []*pooledConn
	inUse   int
}

// Pool is a per-address pool of net.Conn: one mutex-guarded queue per
// remote server rather than a single global lock.
type Pool struct {
	dial        Dialer
	maxPerAddr  int
	idleTimeout time.Duration

	mu      sync.Mutex
	servers map[string]*serverQueue

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Pool dialing with dial, allowing up to maxPerAddr concurrent
// connections to any one address, evicting idle connections after
// idleTimeout (the default configuration uses roughly 1 hour).
func New(dial Dialer, maxPerAddr int, idleTimeout time.Duration) *Pool {
	if maxPerAddr <= 0 {
		maxPerAddr = 1
	}
	p := &Pool{
		dial:        dial,
		maxPerAddr:  maxPerAddr,
		idleTimeout: idleTimeout,
		servers:     make(map[string]*serverQueue),
		stopCh:      make(chan struct{}),
	}
	go p.evictLoop()
	return p
}

func (p *Pool) queueFor(addr string) *serverQueue {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.servers[addr]
	if !ok {
		q = &serverQueue{}
		p.servers[addr] = q
	}
	return q
}

// Acquire returns an idle connection to addr, or dials a fresh one, up to
// maxPerAddr concurrently in use.
func (p *Pool) Acquire(addr string) (net.Conn, error) {
	q := p.queueFor(addr)
	q.mu.Lock()
	if n := len(q.idle); n > 0 {
		pc := q.idle[n-1]
		q.idle = q.idle[:n-1]
		q.inUse++
		q.mu.Unlock()
		return pc.conn, nil
	}
	if q.inUse >= p.maxPerAddr {
		q.mu.Unlock()
		return nil, fmt.Errorf("connpool: max connections reached for %s", addr)
	}
	q.inUse++
	q.mu.Unlock()

	conn, err := p.dial(addr)
	if err != nil {
		q.mu.Lock()
		q.inUse--
		q.mu.Unlock()
		return nil, err
	}
	return conn, nil
}

// Release returns conn to addr's idle pool, or closes it if force is true.
func (p *Pool) Release(addr string, conn net.Conn, force bool) {
	q := p.queueFor(addr)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inUse--
	if force {
		_ = conn.Close()
		return
	}
	q.idle = append(q.idle, &pooledConn{conn: conn, idleAt: time.Now()})
}

// Stop halts the background idle-eviction loop.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *Pool) evictLoop() {
	if p.idleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(p.idleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evictOnce()
		}
	}
}

func (p *Pool) evictOnce() {
	cutoff := time.Now().Add(-p.idleTimeout)
	p.mu.Lock()
	queues := make([]*serverQueue, 0, len(p.servers))
	for _, q := range p.servers {
		queues = append(queues, q)
	}
	p.mu.Unlock()

	for _, q := range queues {
		q.mu.Lock()
		kept := q.idle[:0]
		for _, pc := range q.idle {
			if pc.idleAt.Before(cutoff) {
				_ = pc.conn.Close()
			} else {
				kept = append(kept, pc)
			}
		}
		q.idle = kept
		q.mu.Unlock()
	}
}

// Stats reports a point-in-time snapshot of one server's queue depth, for
// diagnostics and the heartbeat payload's connection counters.
func (p *Pool) Stats(addr string) (idle, inUse int) {
	q := p.queueFor(addr)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.idle), q.inUse
}
