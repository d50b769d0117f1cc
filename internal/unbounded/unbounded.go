package unbounded

// Chan is a channel that never blocks the sender. Values are buffered in a
// slice until the receiver reads them from Out.
//
// Send must not be called after Close.
type Chan[T any] struct {
	in  chan T
	out chan T
}

func New[T any]() *Chan[T] {
	c := &Chan[T]{
		in:  make(chan T),
		out: make(chan T),
	}
	go c.run()
	return c
}

func (c *Chan[T]) run() {
	defer close(c.out)

	var pending []T
	in := c.in
	for in != nil || len(pending) > 0 {
		// NOTE(blukai): out is only selectable when there is something to
		// send, nil channels block forever.
		var (
			out  chan T
			next T
		)
		if len(pending) > 0 {
			out = c.out
			next = pending[0]
		}

		select {
		case v, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			pending = append(pending, v)
		case out <- next:
			var zero T
			pending[0] = zero
			pending = pending[1:]
		}
	}
}

// Send hands v off. It only waits for the internal goroutine, never for the
// receiver.
func (c *Chan[T]) Send(v T) {
	c.in <- v
}

// Out is closed after Close once all the buffered values were received.
func (c *Chan[T]) Out() <-chan T {
	return c.out
}

func (c *Chan[T]) Close() {
	close(c.in)
}
