package iptcpstack

import (
	"container/list"
	"fmt"
	"sync"
)

// Waker is notified when a pending poll may now make progress.
type Waker interface {
	Wake()
}

// WakerFunc adapts a plain function to a Waker.
type WakerFunc func()

func (f WakerFunc) Wake() { f() }

// ReadyEntry is the outcome of one handshake: an established connection or
// the error that ended the attempt.
type ReadyEntry struct {
	Conn *VTCPConn
	Err  error
}

// ReadyQueue hands completed handshakes from the retry tasks and the
// listener to the single accept consumer.
//
// An endpoint is in reserved exactly while a successful entry for it sits in
// the queue.
type ReadyQueue struct {
	mu       sync.Mutex
	entries  *list.List // of ReadyEntry
	reserved map[Endpoint]struct{}
	waker    Waker
}

func NewReadyQueue() *ReadyQueue {
	return &ReadyQueue{
		entries:  list.New(),
		reserved: make(map[Endpoint]struct{}),
	}
}

// PublishSuccess queues an established connection. It panics if another
// connection from the same remote endpoint is still waiting to be accepted.
func (q *ReadyQueue) PublishSuccess(conn *VTCPConn) {
	wake(q.publishSuccess(conn))
}

// PublishFailure queues a terminal handshake error.
func (q *ReadyQueue) PublishFailure(err error) {
	wake(q.publishFailure(err))
}

// publishSuccess queues conn and returns the pending waker without calling
// it, for callers that must release their own locks first.
func (q *ReadyQueue) publishSuccess(conn *VTCPConn) Waker {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.reserved[conn.Remote]; ok {
		panic(fmt.Sprintf("iptcpstack: duplicate ready connection from %v", conn.Remote))
	}
	q.reserved[conn.Remote] = struct{}{}
	q.entries.PushBack(ReadyEntry{Conn: conn})
	return q.takeWaker()
}

func (q *ReadyQueue) publishFailure(err error) Waker {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries.PushBack(ReadyEntry{Err: err})
	return q.takeWaker()
}

// PollNext pops the oldest entry. When the queue is empty it records w as
// the pending consumer, replacing any earlier registration, and returns
// false.
func (q *ReadyQueue) PollNext(w Waker) (ReadyEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.entries.Front()
	if front == nil {
		q.waker = w
		return ReadyEntry{}, false
	}
	e := q.entries.Remove(front).(ReadyEntry)
	if e.Conn != nil {
		delete(q.reserved, e.Conn.Remote)
	}
	return e, true
}

// Len reports the number of buffered entries.
func (q *ReadyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Len()
}

// Reserved reports whether a connection from ep is waiting to be accepted.
func (q *ReadyQueue) Reserved(ep Endpoint) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.reserved[ep]
	return ok
}

// drain empties the queue and wakes the pending consumer, if any.
func (q *ReadyQueue) drain() []ReadyEntry {
	q.mu.Lock()
	var out []ReadyEntry
	for e := q.entries.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(ReadyEntry))
	}
	q.entries.Init()
	clear(q.reserved)
	w := q.takeWaker()
	q.mu.Unlock()
	wake(w)
	return out
}

func (q *ReadyQueue) takeWaker() Waker {
	w := q.waker
	q.waker = nil
	return w
}

func wake(w Waker) {
	if w != nil {
		w.Wake()
	}
}
