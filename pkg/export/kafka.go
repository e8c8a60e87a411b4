// Package export publishes consensus outcomes (committed certificates and
// slashing events) to Kafka for downstream consumers. Like the archive, it
// is a sink: export failure never blocks consensus.
package export

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/types"
	"github.com/happybigmtn/bitchat-rust-sub006/pkg/utils"
)

// Event kinds on the wire.
const (
	EventCommit = "commit"
	EventSlash  = "slash"
)

// Event is the JSON envelope published to the topic.
type Event struct {
	Kind      string `json:"kind"`
	Sequence  uint64 `json:"sequence,omitempty"`
	BatchHash string `json:"batch_hash,omitempty"`
	QC        []byte `json:"qc,omitempty"`
	Node      string `json:"node,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Penalty   uint64 `json:"penalty,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Exporter publishes events through a sync producer. Keys are the sequence
// (commits) or node ID (slashes) so per-entity ordering is preserved within
// a partition.
type Exporter struct {
	producer sarama.SyncProducer
	topic    string
	log      *utils.Logger
}

// NewExporter connects to the brokers.
func NewExporter(brokers []string, topic string, log *utils.Logger) (*Exporter, error) {
	if log == nil {
		log = utils.NewNopLogger()
	}
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 200 * time.Millisecond
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("export: producer: %w", err)
	}
	return &Exporter{
		producer: producer,
		topic:    topic,
		log:      log.WithFields(utils.ZapString("component", "export")),
	}, nil
}

func (e *Exporter) publish(ctx context.Context, key string, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		e.log.ErrorContext(ctx, "encode export event", utils.ZapError(err))
		return
	}
	_, _, err = e.producer.SendMessage(&sarama.ProducerMessage{
		Topic: e.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		e.log.ErrorContext(ctx, "export event failed",
			utils.ZapString("kind", event.Kind),
			utils.ZapError(err),
		)
	}
}

// OnCommit implements types.CommitSink.
func (e *Exporter) OnCommit(ctx context.Context, sequence uint64, batchHash types.Hash32, qcData []byte) {
	e.publish(ctx, fmt.Sprintf("seq-%d", sequence), &Event{
		Kind:      EventCommit,
		Sequence:  sequence,
		BatchHash: hex.EncodeToString(batchHash[:]),
		QC:        qcData,
		Timestamp: time.Now().UnixMilli(),
	})
}

// OnSlash implements types.SlashingSink.
func (e *Exporter) OnSlash(ctx context.Context, event types.SlashingEvent) {
	e.publish(ctx, "node-"+event.Node.Short(), &Event{
		Kind:      EventSlash,
		Node:      hex.EncodeToString(event.Node[:]),
		Reason:    event.Reason.String(),
		Penalty:   event.Penalty,
		Timestamp: int64(event.Timestamp),
	})
}

// Close shuts the producer down.
func (e *Exporter) Close() error { return e.producer.Close() }
