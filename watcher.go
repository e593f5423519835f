package dbus

import (
	"context"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
)

const maxWatcherQueue = 20

// Watch watches the bus for notifications from other bus
// participants.
//
// A newly created Watcher delivers no notifications. The caller must
// use [Watcher.Match] to specify which signals and property changes
// the Watcher should provide.
func (c *Conn) Watch() *Watcher {
	w := &Watcher{
		conn:        c,
		signals:     make(chan *Notification),
		wakePump:    make(chan struct{}, 1),
		stopPump:    make(chan struct{}),
		pumpStopped: make(chan struct{}),
		matches:     mapset.New[*Match](),
	}
	go w.pump()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers.Add(w)
	return w
}

// A Watcher delivers signals received from the bus that match its
// filters. Grounded on the teacher's watcher.go; deliverSignal and
// deliverProp are adapted from reflect.Value signal bodies to this
// package's dynamically-decoded []any message bodies, since signal
// types are no longer registered in advance via RegisterSignalType.
type Watcher struct {
	conn     *Conn
	signals  chan *Notification
	wakePump chan struct{}

	stopPump    chan struct{}
	pumpStopped chan struct{}

	mu      sync.Mutex
	queue   queue.Queue[*Notification]
	matches mapset.Set[*Match]
}

// Notification is a signal or property change received from a bus
// peer.
type Notification struct {
	// Sender is the originator of the notification.
	Sender Peer
	// Path is the object path the signal was emitted from.
	Path ObjectPath
	// Interface is the interface that owns the signal or property.
	Interface string
	// Name is the name of the signal or changed property.
	Name string
	// Body is the signal's body values, or a single-element slice
	// holding the new property value for a property change.
	Body []any
	// Overflow reports that the watcher discarded some notifications
	// that followed this one, due to the caller not processing
	// delivered notifications fast enough.
	Overflow bool
}

// Close shuts down the Watcher.
func (w *Watcher) Close() {
	select {
	case <-w.pumpStopped:
		return
	default:
	}

	close(w.stopPump)
	close(w.wakePump)
	<-w.pumpStopped

	w.mu.Lock()
	defer w.mu.Unlock()
	for m := range w.matches {
		w.conn.removeMatch(context.Background(), m)
	}
	w.queue.Clear()
}

// Chan returns the channel on which signals are delivered.
//
// The caller must drain this channel of new signals promptly, to
// avoid overflowing the Watcher's receive queue and losing
// Notifications of interest. Missing signals due to an overflow are
// indicated by the Overflow field of the [Notification] that
// immediately precedes the discarded signal(s).
func (w *Watcher) Chan() <-chan *Notification {
	return w.signals
}

// Match requests delivery of signals that match the specification m.
//
// Matches are additive: a signal is delivered if it matches any of
// the Watcher's match specifications.
//
// If the match is added successfully, the returned remove function
// may be used to remove the match without affecting other matches.
func (w *Watcher) Match(m *Match) (remove func(), err error) {
	if err = w.conn.addMatch(context.Background(), m); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.matches.Add(m)
	return func() {
		w.conn.removeMatch(context.Background(), m)
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.matches, m)
	}, nil
}

func (w *Watcher) enqueueLocked(n Notification) {
	if w.queue.Len() >= maxWatcherQueue {
		last, _ := w.queue.Peek(-1)
		last.Overflow = true
		return
	}

	w.queue.Add(&n)
	if w.queue.Len() == 1 {
		select {
		case w.wakePump <- struct{}{}:
		default:
		}
	}
}

func (w *Watcher) deliverSignal(sender Peer, m *Message) {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.pumpStopped:
		return
	default:
	}

	want := false
	for match := range w.matches {
		if match.matchesSignal(sender, m) {
			want = true
			break
		}
	}
	if !want {
		return
	}

	w.enqueueLocked(Notification{
		Sender:    sender,
		Path:      m.Path,
		Interface: m.Interface,
		Name:      m.Member,
		Body:      m.Body,
	})
}

func (w *Watcher) deliverPropChange(sender Peer, m *Message, propIface string, changed map[any]any) {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.pumpStopped:
		return
	default:
	}

	for propName, v := range changed {
		name, ok := propName.(string)
		if !ok {
			continue
		}
		vv, _ := v.(Variant)
		want := false
		for match := range w.matches {
			if match.matchesProperty(sender, m, propIface, name) {
				want = true
				break
			}
		}
		if !want {
			continue
		}
		w.enqueueLocked(Notification{
			Sender:    sender,
			Path:      m.Path,
			Interface: propIface,
			Name:      name,
			Body:      []any{vv.Value()},
		})
	}
}

func (w *Watcher) pump() {
	defer close(w.pumpStopped)
	defer close(w.signals)
	for {
		sig := func() *Notification {
			w.mu.Lock()
			defer w.mu.Unlock()
			ret, _ := w.queue.Pop()
			return ret
		}()
		if sig == nil {
			select {
			case <-w.stopPump:
				return
			case <-w.wakePump:
				continue
			}
		}
		select {
		case w.signals <- sig:
		case <-w.stopPump:
			return
		}
	}
}
