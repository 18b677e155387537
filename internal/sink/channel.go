package sink

import (
	"sync"

	"github.com/ChuLiYu/jobstream/api/jobpb"
)

const inboxSize = 64

// sealMark travels through the queue like an item but is never delivered.
var sealMark = new(jobpb.JobResponse)

// Channel is an unbounded, order-preserving queue of response items. Sends
// never wait for the receiver; once the receiver has closed the channel they
// are dropped.
type Channel struct {
	in     chan *jobpb.JobResponse
	out    chan *jobpb.JobResponse
	done   chan struct{}
	sealed chan struct{}
	once   sync.Once
}

// NewChannel creates a channel and starts its pump goroutine, which runs
// until Close.
func NewChannel() *Channel {
	c := &Channel{
		in:     make(chan *jobpb.JobResponse, inboxSize),
		out:    make(chan *jobpb.JobResponse),
		done:   make(chan struct{}),
		sealed: make(chan struct{}),
	}
	go c.pump()
	return c
}

// Send queues an item. It reports false if the receiver is gone.
func (c *Channel) Send(item *jobpb.JobResponse) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.in <- item:
		return true
	case <-c.done:
		return false
	}
}

// Seal marks the point after which no producer of the job is left. Sealed
// is closed once every item queued before Seal has been received. Items
// sent after Seal are still delivered.
func (c *Channel) Seal() { c.Send(sealMark) }

// Sealed returns a channel that is closed when the seal point is reached.
func (c *Channel) Sealed() <-chan struct{} { return c.sealed }

// Recv returns the receiving end.
func (c *Channel) Recv() <-chan *jobpb.JobResponse { return c.out }

// Close drops the receiving end. Pending and future items are discarded.
func (c *Channel) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Channel) pump() {
	var queue []*jobpb.JobResponse
	isSealed := false
	for {
		if len(queue) > 0 && queue[0] == sealMark {
			if !isSealed {
				isSealed = true
				close(c.sealed)
			}
			queue[0] = nil
			queue = queue[1:]
			continue
		}

		if len(queue) == 0 {
			select {
			case item := <-c.in:
				queue = append(queue, item)
			case <-c.done:
				return
			}
			continue
		}

		select {
		case item := <-c.in:
			queue = append(queue, item)
		case c.out <- queue[0]:
			queue[0] = nil
			queue = queue[1:]
		case <-c.done:
			return
		}
	}
}
