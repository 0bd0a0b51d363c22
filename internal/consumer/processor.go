// Package consumer ingests recovery beacons from Kafka and replays them
// against the session service.
package consumer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// Reader is the slice of kafka.Reader the processor needs: fetch, commit,
// close.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler applies one decoded beacon. Returning an error leaves the offset
// uncommitted so the record is redelivered.
type Handler interface {
	Handle(context.Context, Message) error
}

// Message is a beacon stripped of its Confluent wire framing. EventType and
// TenantID come from record headers stamped by the producing side.
type Message struct {
	Topic         string
	Partition     int
	Offset        int64
	Timestamp     time.Time
	EventType     string
	TenantID      string
	SchemaSubject string
	SchemaID      int
	Payload       json.RawMessage
}

// Option configures optional behaviour for the Processor.
type Option func(*Processor)

// WithLogger overrides the logger used to report errors.
func WithLogger(logger *log.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// Processor drains one Kafka reader, decoding each record and handing it to
// the Handler. Offsets advance only for records that were either handled or
// are unprocessable; handler failures block the partition until the beacon
// can be applied.
type Processor struct {
	reader  Reader
	handler Handler
	logger  *log.Logger
}

// NewProcessor constructs a Processor over the given reader and handler.
func NewProcessor(reader Reader, handler Handler, opts ...Option) *Processor {
	p := &Processor{
		reader:  reader,
		handler: handler,
		logger:  log.New(log.Writer(), "[recovery] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run consumes until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		record, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			p.logger.Printf("fetch error: %v", err)
			continue
		}

		beacon, decodeErr := decodeRecord(record)
		if decodeErr != nil {
			p.logger.Printf("undecodable record (topic=%s, partition=%d, offset=%d): %v",
				record.Topic, record.Partition, record.Offset, decodeErr)
			recordDecodeError(record.Topic)
			// A malformed beacon can never become valid; commit past it.
			if commitErr := p.reader.CommitMessages(ctx, record); commitErr != nil {
				p.logger.Printf("commit error after decode failure: %v", commitErr)
			}
			continue
		}

		if handleErr := p.handler.Handle(ctx, beacon); handleErr != nil {
			p.logger.Printf("handler error (event_type=%s, tenant=%s): %v",
				beacon.EventType, beacon.TenantID, handleErr)
			recordHandlerError(beacon)
			continue
		}

		if commitErr := p.reader.CommitMessages(ctx, record); commitErr != nil {
			p.logger.Printf("commit error: %v", commitErr)
		} else {
			recordProcessed(beacon)
		}
	}
}

// decodeRecord validates the Confluent framing (magic byte zero, then a
// big-endian uint32 schema ID) and lifts routing metadata out of the headers.
func decodeRecord(record kafka.Message) (Message, error) {
	if len(record.Value) < 5 {
		return Message{}, fmt.Errorf("short payload: %d bytes", len(record.Value))
	}
	if record.Value[0] != 0 {
		return Message{}, fmt.Errorf("unexpected wire-format magic byte 0x%02x", record.Value[0])
	}

	eventType, ok := recordHeader(record, "event_type")
	if !ok {
		return Message{}, errors.New("missing event_type header")
	}
	tenantID, _ := recordHeader(record, "tenant_id")
	schemaSubject, _ := recordHeader(record, "schema_subject")

	payload := json.RawMessage(append([]byte(nil), record.Value[5:]...))

	return Message{
		Topic:         record.Topic,
		Partition:     record.Partition,
		Offset:        record.Offset,
		Timestamp:     record.Time,
		EventType:     string(eventType),
		TenantID:      string(tenantID),
		SchemaSubject: string(schemaSubject),
		SchemaID:      int(binary.BigEndian.Uint32(record.Value[1:5])),
		Payload:       payload,
	}, nil
}

func recordHeader(record kafka.Message, key string) ([]byte, bool) {
	for _, header := range record.Headers {
		if header.Key == key {
			return header.Value, true
		}
	}
	return nil, false
}
