package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/glimmerworks/bursar/pkg/logging"
)

// LedgerTopic is the Kafka topic all ledger audit events are published to.
const LedgerTopic = "bursar.ledger_events"

// Ledger event types
const (
	EventCreditConsumed      = "credit_consumed"
	EventCreditsGranted      = "credits_granted"
	EventTopUpCredited       = "topup_credited"
	EventSubscriptionRenewed = "subscription_renewed"
	EventSubscriptionExpired = "subscription_expired"
	EventPlanChanged         = "plan_changed"
)

// LedgerEvent is the audit record emitted for every balance mutation.
type LedgerEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	AccountID string    `json:"account_id"`
	Amount    int       `json:"amount,omitempty"`
	Balance   int       `json:"balance"`
	Plan      string    `json:"plan,omitempty"`
	Reference string    `json:"reference,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Producer publishes ledger events to Kafka
type Producer struct {
	client *kgo.Client
	logger logging.Logger
}

// NewProducer creates a Kafka producer for ledger events
func NewProducer(brokers []string, logger logging.Logger) (*Producer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID("bursar"),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{client: client, logger: logger}, nil
}

// Close shuts down the underlying Kafka client
func (p *Producer) Close() {
	if p == nil || p.client == nil {
		return
	}
	p.client.Close()
}

// Client returns the underlying kgo.Client for health checks. Safe on
// a nil producer.
func (p *Producer) Client() *kgo.Client {
	if p == nil {
		return nil
	}
	return p.client
}

// Publish emits a ledger event. Events are best-effort: a nil producer
// is a no-op and publish failures are logged, never surfaced to the
// caller, so balance mutations commit regardless of broker health.
func (p *Producer) Publish(eventType, accountID string, event LedgerEvent) {
	if p == nil || p.client == nil {
		return
	}

	event.EventID = uuid.New().String()
	event.EventType = eventType
	event.AccountID = accountID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	value, err := json.Marshal(event)
	if err != nil {
		p.logger.WithError(err).WithField("event_type", eventType).Error("Failed to marshal ledger event")
		return
	}

	record := &kgo.Record{
		Topic: LedgerTopic,
		Key:   []byte(accountID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(eventType)},
			{Key: "source", Value: []byte("bursar")},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result := p.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		p.logger.WithError(err).WithFields(logging.Fields{
			"event_type": eventType,
			"account_id": accountID,
		}).Error("Failed to publish ledger event")
	}
}
