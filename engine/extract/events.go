package extract

import (
	"context"
	"time"

	"github.com/WessleyAI/meterscan/engine/domain"
	"github.com/WessleyAI/meterscan/pkg/natsutil"
)

// StoredSubject carries a ReadingStoredEvent for every committed reading.
const StoredSubject = "meter.reading.stored"

// ReadingStoredEvent announces a committed reading. The embedding is omitted.
type ReadingStoredEvent struct {
	ReadingID  string    `json:"reading_id"`
	Address    string    `json:"address"`
	MeterValue string    `json:"meter_value"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// EventPublisher is a Sink that announces stored readings on NATS.
type EventPublisher struct {
	pub     natsutil.Publisher
	subject string
}

// NewEventPublisher creates a publisher on StoredSubject.
func NewEventPublisher(pub natsutil.Publisher) *EventPublisher {
	return &EventPublisher{pub: pub, subject: StoredSubject}
}

// ReadingStored implements Sink.
func (e *EventPublisher) ReadingStored(ctx context.Context, r domain.Reading) error {
	return natsutil.Publish(ctx, e.pub, e.subject, ReadingStoredEvent{
		ReadingID:  r.ID,
		Address:    r.Address.Full(),
		MeterValue: r.MeterValue,
		Confidence: r.Confidence,
		CreatedAt:  r.CreatedAt,
	})
}
