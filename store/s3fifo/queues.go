package s3fifo

import "container/list"

// Queue names used in metrics and logs.
const (
	QueueSmall = "small"
	QueueMain  = "main"
)

// maxFrequency caps the access counter so a hot entry survives at most this
// many passes through the main queue without being touched again.
const maxFrequency = 3

type entry[K comparable] struct {
	key   K
	size  int64
	freq  int
	queue string
	elem  *list.Element
}

// fifo is an intrusive FIFO: new entries are pushed at the front and
// eviction candidates are taken from the back.
type fifo[K comparable] struct {
	l     list.List
	bytes int64
}

func (q *fifo[K]) pushHead(e *entry[K], name string) {
	e.queue = name
	e.elem = q.l.PushFront(e)
	q.bytes += e.size
}

func (q *fifo[K]) popTail() *entry[K] {
	back := q.l.Back()
	if back == nil {
		return nil
	}
	e := q.l.Remove(back).(*entry[K])
	q.bytes -= e.size
	e.elem = nil
	return e
}

func (q *fifo[K]) remove(e *entry[K]) {
	if e.elem == nil {
		return
	}
	q.l.Remove(e.elem)
	q.bytes -= e.size
	e.elem = nil
}

func (q *fifo[K]) len() int { return q.l.Len() }

// ghost remembers recently evicted keys in insertion order, bounded by
// count. A key found in the ghost set on admission goes straight to main.
type ghost[K comparable] struct {
	order list.List
	index map[K]*list.Element
}

func newGhost[K comparable]() *ghost[K] {
	return &ghost[K]{index: make(map[K]*list.Element)}
}

func (g *ghost[K]) contains(key K) bool {
	_, ok := g.index[key]
	return ok
}

func (g *ghost[K]) add(key K) {
	if _, ok := g.index[key]; ok {
		return
	}
	g.index[key] = g.order.PushFront(key)
}

func (g *ghost[K]) remove(key K) {
	if elem, ok := g.index[key]; ok {
		g.order.Remove(elem)
		delete(g.index, key)
	}
}

func (g *ghost[K]) trim(maxEntries int) {
	for g.order.Len() > maxEntries {
		back := g.order.Back()
		delete(g.index, g.order.Remove(back).(K))
	}
}

func (g *ghost[K]) len() int { return g.order.Len() }

func (g *ghost[K]) reset() {
	g.order.Init()
	clear(g.index)
}
