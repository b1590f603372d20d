package stream

import (
	"FlowDAQ/internal/config"
	"FlowDAQ/internal/model"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

type natsPublisher interface {
	Publish(subj string, data []byte) error
}

// Publisher publishes session samples, classifications and status changes to NATS.
type Publisher struct {
	nc     natsPublisher
	conn   *nats.Conn
	prefix string
}

// NewPublisher connects to the NATS server in cfg.
func NewPublisher(cfg config.NATSConfig) (*Publisher, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("flowdaq-publisher"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	log.Printf("Connected to NATS server at %s", cfg.URL)
	return &Publisher{nc: nc, conn: nc, prefix: cfg.SubjectPrefix}, nil
}

func (p *Publisher) PublishSample(runID string, index int, sample model.Sample) error {
	pb, err := samplePayload(runID, index, sample)
	if err != nil {
		return fmt.Errorf("failed to build sample payload: %w", err)
	}
	return p.publish(KindSample, pb)
}

func (p *Publisher) PublishClassification(runID string, event model.ClassificationEvent) error {
	pb, err := classificationPayload(runID, event)
	if err != nil {
		return fmt.Errorf("failed to build classification payload: %w", err)
	}
	return p.publish(KindClassification, pb)
}

func (p *Publisher) PublishStatus(runID string, status model.Status) error {
	pb, err := statusPayload(runID, status)
	if err != nil {
		return fmt.Errorf("failed to build status payload: %w", err)
	}
	return p.publish(KindStatus, pb)
}

func (p *Publisher) publish(kind Kind, pb *structpb.Struct) error {
	data, err := proto.Marshal(pb)
	if err != nil {
		return err
	}
	return p.nc.Publish(Subject(p.prefix, kind), data)
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Drain()
		log.Println("NATS connection drained and closed.")
	}
}
