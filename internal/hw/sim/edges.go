package sim

import (
	"context"
	"time"
)

// CharEdges returns the RX edge timestamps for character c sent 8N1 at baud,
// starting with the falling edge of the start bit at start.
func CharEdges(c byte, baud int, start time.Duration) []time.Duration {
	bit := time.Second / time.Duration(baud)
	// start bit, 8 data bits LSB first, stop bit
	levels := make([]bool, 0, 10)
	levels = append(levels, false)
	for i := 0; i < 8; i++ {
		levels = append(levels, c&(1<<i) != 0)
	}
	levels = append(levels, true)

	edges := []time.Duration{start}
	prev := false
	for i := 1; i < len(levels); i++ {
		if levels[i] != prev {
			edges = append(edges, start+time.Duration(i)*bit)
			prev = levels[i]
		}
	}
	return edges
}

// Edges feeds timestamps to the autobaud detector.
type Edges struct {
	ch chan time.Duration
}

// NewEdges returns an empty edge source.
func NewEdges() *Edges {
	return &Edges{ch: make(chan time.Duration, 1024)}
}

// Send queues edges. It must not be called with more than the buffer holds
// while nothing is reading.
func (e *Edges) Send(edges ...time.Duration) {
	for _, t := range edges {
		e.ch <- t
	}
}

// Offer queues the edges of one character starting at start. It drops the
// character instead of blocking when nobody is measuring.
func (e *Edges) Offer(c byte, baud int, start time.Duration) bool {
	edges := CharEdges(c, baud, start)
	if cap(e.ch)-len(e.ch) < len(edges) {
		return false
	}
	for _, t := range edges {
		e.ch <- t
	}
	return true
}

// SendChars queues the edges of data sent back to back at baud.
func (e *Edges) SendChars(data []byte, baud int) {
	frame := 10 * (time.Second / time.Duration(baud))
	for i, c := range data {
		e.Send(CharEdges(c, baud, time.Duration(i)*frame)...)
	}
}

func (e *Edges) NextEdge(ctx context.Context) (time.Duration, error) {
	select {
	case t := <-e.ch:
		return t, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
