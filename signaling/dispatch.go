package signaling

import "sync"

// Dispatcher hands records to fn on its own goroutine, in Push order. Push
// never blocks, so a backend's read loop is never held up by a handler that
// writes back through the same backend.
type Dispatcher struct {
	fn func(Record)

	mu     sync.Mutex
	queue  []Record
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewDispatcher(fn func(Record)) *Dispatcher {
	d := &Dispatcher{
		fn:     fn,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) Push(rec Record) {
	d.mu.Lock()
	d.queue = append(d.queue, rec)
	d.mu.Unlock()
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// Close drops whatever is still queued. A record being handled when Close
// is called finishes normally.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.done) })
}

func (d *Dispatcher) run() {
	for {
		select {
		case <-d.done:
			return
		case <-d.signal:
		}
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			rec := d.queue[0]
			d.queue = d.queue[1:]
			d.mu.Unlock()
			select {
			case <-d.done:
				return
			default:
			}
			d.fn(rec)
		}
	}
}
