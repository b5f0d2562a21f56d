// Package events publishes report lifecycle events to Kafka
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/cyclopcam/hazards/server/config"
	"github.com/cyclopcam/hazards/server/session"
	"github.com/cyclopcam/logs"
)

const flushTimeout = 10 * time.Second

// Message is the value of every Kafka message that we produce.
// Snapshots are never included. Consumers that want them should read the archive.
// SYNC-KAFKA-MESSAGE
type Message struct {
	Kind      session.EventKind `json:"kind"`
	SessionID string            `json:"session_id"`
	Time      time.Time         `json:"time"`
	Report    *session.Report   `json:"report,omitempty"`
	Summary   *MessageSummary   `json:"summary,omitempty"`
}

// Session counters, without the full report list
type MessageSummary struct {
	DetectionCount    int `json:"detection_count"`
	UniqueHazardCount int `json:"unique_hazard_count"`
	PendingReports    int `json:"pending_reports"`
}

// NewMessage converts a session event into a Kafka message value
func NewMessage(ev session.Event) *Message {
	m := &Message{
		Kind:      ev.Kind,
		SessionID: ev.SessionID,
		Time:      ev.Time,
		Report:    ev.Report,
	}
	if ev.Summary != nil {
		m.Summary = &MessageSummary{
			DetectionCount:    ev.Summary.DetectionCount,
			UniqueHazardCount: ev.Summary.UniqueHazardCount,
			PendingReports:    ev.Summary.PendingReports,
		}
	}
	return m
}

// Encode a session event as a Kafka message, keyed by session so that all events of a
// session land on the same partition, in order.
func EncodeMessage(topic string, ev session.Event) (*kafka.Message, error) {
	payload, err := json.Marshal(NewMessage(ev))
	if err != nil {
		return nil, err
	}
	headers := []kafka.Header{
		{Key: "kind", Value: []byte(ev.Kind)},
	}
	if ev.Report != nil {
		headers = append(headers, kafka.Header{Key: "report_id", Value: []byte(ev.Report.ReportID)})
		headers = append(headers, kafka.Header{Key: "class_name", Value: []byte(ev.Report.Detection.ClassName)})
	}
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: kafka.PartitionAny,
		},
		Key:       []byte(ev.SessionID),
		Value:     payload,
		Headers:   headers,
		Timestamp: ev.Time,
	}, nil
}

// KafkaSink is a session.Sink that produces one Kafka message per event
type KafkaSink struct {
	Log      logs.Log
	producer *kafka.Producer
	topic    string

	messagesSent   atomic.Int64
	messagesAcked  atomic.Int64
	messagesFailed atomic.Int64

	wg sync.WaitGroup
}

func NewKafkaSink(log logs.Log, cfg *config.KafkaConfig) (*KafkaSink, error) {
	producerConfig := &kafka.ConfigMap{
		"bootstrap.servers":  cfg.BootstrapServers,
		"acks":               "all",
		"enable.idempotence": true,
		"linger.ms":          10,
		"request.timeout.ms": 30000,
	}
	if cfg.SecurityProtocol != "" {
		producerConfig.SetKey("security.protocol", cfg.SecurityProtocol)
	}
	if cfg.SASLMechanism != "" {
		producerConfig.SetKey("sasl.mechanism", cfg.SASLMechanism)
		producerConfig.SetKey("sasl.username", cfg.SASLUsername)
		producerConfig.SetKey("sasl.password", cfg.SASLPassword)
	}

	p, err := kafka.NewProducer(producerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	s := &KafkaSink{
		Log:      log,
		producer: p,
		topic:    cfg.Topic,
	}
	s.wg.Add(1)
	go s.handleDeliveryReports()
	log.Infof("Kafka sink publishing to topic %v on %v", cfg.Topic, cfg.BootstrapServers)
	return s, nil
}

func (s *KafkaSink) Name() string {
	return "kafka"
}

// The Events channel is closed when the producer is closed
func (s *KafkaSink) handleDeliveryReports() {
	defer s.wg.Done()
	for e := range s.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				s.messagesFailed.Add(1)
				s.Log.Warnf("Kafka delivery failed: %v", ev.TopicPartition.Error)
			} else {
				s.messagesAcked.Add(1)
			}
		case kafka.Error:
			s.Log.Errorf("Kafka error: %v", ev)
		}
	}
}

// Publish queues the event with the producer. Delivery is asynchronous.
func (s *KafkaSink) Publish(ev session.Event) error {
	msg, err := EncodeMessage(s.topic, ev)
	if err != nil {
		return err
	}
	if err := s.producer.Produce(msg, nil); err != nil {
		s.messagesFailed.Add(1)
		return err
	}
	s.messagesSent.Add(1)
	return nil
}

func (s *KafkaSink) Metrics() map[string]int64 {
	return map[string]int64{
		"messages_sent":   s.messagesSent.Load(),
		"messages_acked":  s.messagesAcked.Load(),
		"messages_failed": s.messagesFailed.Load(),
	}
}

// Close flushes outstanding messages and shuts down the producer
func (s *KafkaSink) Close() {
	if remaining := s.producer.Flush(int(flushTimeout.Milliseconds())); remaining > 0 {
		s.Log.Warnf("Kafka sink closing with %v messages still in queue", remaining)
	}
	s.producer.Close()
	s.wg.Wait()
	m := s.Metrics()
	s.Log.Infof("Kafka sink closed. Sent %v, acked %v, failed %v", m["messages_sent"], m["messages_acked"], m["messages_failed"])
}
