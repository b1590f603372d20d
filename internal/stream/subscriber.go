package stream

import (
	"FlowDAQ/internal/config"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"
)

// MessageHandler processes a decoded session message.
type MessageHandler func(msg *Message)

// Subscriber receives every session subject under a prefix.
type Subscriber struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
}

// NewSubscriber connects to the NATS server in cfg.
func NewSubscriber(cfg config.NATSConfig) (*Subscriber, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("flowdaq-monitor"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	log.Printf("Connected to NATS server at %s", cfg.URL)
	return &Subscriber{nc: nc, subject: cfg.SubjectPrefix + ".>"}, nil
}

// Start subscribes and hands every decodable message to handler.
func (s *Subscriber) Start(handler MessageHandler) error {
	sub, err := s.nc.Subscribe(s.subject, func(msg *nats.Msg) {
		m, err := Decode(msg.Subject, msg.Data)
		if err != nil {
			log.Printf("Error decoding message on '%s': %v", msg.Subject, err)
			return
		}
		handler(m)
	})
	if err != nil {
		return err
	}
	s.sub = sub
	log.Printf("Subscribed to '%s'. Waiting for messages...", s.subject)
	return nil
}

// Close unsubscribes and closes the NATS connection.
func (s *Subscriber) Close() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.nc != nil {
		s.nc.Close()
		log.Println("NATS connection closed.")
	}
}
