package broker

// Broker is the interface to deliver engine status events to listeners.
type Broker interface {
	Connect() error
	Disconnect() error
	Publish(topic string, payload interface{}) error
	Subscribe(topics []string, h Handler) error
	String() string
}

// Handler handles a message received from a topic.
//
// A handler runs on its listener's own goroutine; a slow handler loses its
// oldest queued events, it never blocks a publisher.
type Handler func(Event) error

// Event is the event passed to Handler.
type Event struct {
	Topic   string
	Payload []byte
}
