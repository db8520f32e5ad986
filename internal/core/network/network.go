package network

// Message is the transport envelope used by the runtime.
type Message struct {
	Topic   string
	Payload []byte
}

// PubSub is a minimal interface for topic-based communication. Ports build
// point-to-point links on top of it by pairing two topics.
type PubSub interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string) (<-chan Message, func(), error)
}
