package frame

import "log"

const nilIndex = -1

type node struct {
	frame  Frame
	pinned bool
	live   bool
	prev   int
	next   int
}

// ring is a circular doubly-linked list of frames stored in an arena. Links
// are arena indices, so insertion and removal during a sweep are O(1) and no
// node points at memory it does not own.
type ring struct {
	nodes []node
	free  []int
	head  int
	size  int
}

func newRing() *ring {
	return &ring{head: nilIndex}
}

// push inserts a pinned frame at the tail, in allocation order.
func (r *ring) push(f Frame) int {
	var i int

	if n := len(r.free); n > 0 {
		i = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.nodes = append(r.nodes, node{})
		i = len(r.nodes) - 1
	}

	r.nodes[i] = node{frame: f, pinned: true, live: true}

	if r.head == nilIndex {
		r.nodes[i].prev = i
		r.nodes[i].next = i
		r.head = i
	} else {
		tail := r.nodes[r.head].prev
		r.nodes[i].prev = tail
		r.nodes[i].next = r.head
		r.nodes[tail].next = i
		r.nodes[r.head].prev = i
	}

	r.size++

	return i
}

func (r *ring) remove(i int) {
	n := r.nodes[i]
	if !n.live {
		log.Panicf("ring node %d is not live", i)
	}

	if r.size == 1 {
		r.head = nilIndex
	} else {
		r.nodes[n.prev].next = n.next
		r.nodes[n.next].prev = n.prev

		if r.head == i {
			r.head = n.next
		}
	}

	r.nodes[i] = node{}
	r.free = append(r.free, i)
	r.size--
}

func (r *ring) next(i int) int {
	return r.nodes[i].next
}

func (r *ring) at(i int) *node {
	return &r.nodes[i]
}

// each visits the live frames from the head in ring order.
func (r *ring) each(f func(n *node)) {
	if r.head == nilIndex {
		return
	}

	i := r.head
	for {
		f(&r.nodes[i])

		i = r.nodes[i].next
		if i == r.head {
			return
		}
	}
}
