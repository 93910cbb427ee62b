package authclient

import (
	"sync"

	"github.com/tyemirov/dashauth/pkg/identity"
)

type notification struct {
	event   identity.AuthEvent
	session *identity.Session
}

// subscriber delivers notifications on its own goroutine in emission order.
// The queue is unbounded so a handler may call back into the client.
type subscriber struct {
	handler func(identity.AuthEvent, *identity.Session)
	signal  chan struct{}
	done    chan struct{}

	mutex   sync.Mutex
	pending []notification
}

func (entry *subscriber) enqueue(message notification) {
	entry.mutex.Lock()
	entry.pending = append(entry.pending, message)
	entry.mutex.Unlock()
	select {
	case entry.signal <- struct{}{}:
	default:
	}
}

func (entry *subscriber) next() (notification, bool) {
	entry.mutex.Lock()
	defer entry.mutex.Unlock()
	if len(entry.pending) == 0 {
		return notification{}, false
	}
	message := entry.pending[0]
	entry.pending[0] = notification{}
	entry.pending = entry.pending[1:]
	return message, true
}

func (entry *subscriber) run() {
	for {
		select {
		case <-entry.done:
			return
		case <-entry.signal:
		}
		for {
			message, ok := entry.next()
			if !ok {
				break
			}
			select {
			case <-entry.done:
				return
			default:
			}
			entry.handler(message.event, message.session)
		}
	}
}

type dispatcher struct {
	mutex       sync.Mutex
	nextID      uint64
	subscribers map[uint64]*subscriber
}

func newDispatcher() *dispatcher {
	return &dispatcher{subscribers: make(map[uint64]*subscriber)}
}

func (hub *dispatcher) subscribe(handler func(identity.AuthEvent, *identity.Session)) *subscription {
	entry := &subscriber{
		handler: handler,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	hub.mutex.Lock()
	hub.nextID++
	subscriptionID := hub.nextID
	hub.subscribers[subscriptionID] = entry
	hub.mutex.Unlock()

	go entry.run()
	return &subscription{hub: hub, subscriptionID: subscriptionID, entry: entry}
}

func (hub *dispatcher) emit(event identity.AuthEvent, session *identity.Session) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	for _, entry := range hub.subscribers {
		entry.enqueue(notification{event: event, session: session.Clone()})
	}
}

func (hub *dispatcher) count() int {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	return len(hub.subscribers)
}

type subscription struct {
	hub            *dispatcher
	subscriptionID uint64
	entry          *subscriber
	once           sync.Once
}

// Unsubscribe stops delivery. Notifications still queued are dropped.
func (handle *subscription) Unsubscribe() {
	handle.once.Do(func() {
		handle.hub.mutex.Lock()
		delete(handle.hub.subscribers, handle.subscriptionID)
		handle.hub.mutex.Unlock()
		close(handle.entry.done)
	})
}
