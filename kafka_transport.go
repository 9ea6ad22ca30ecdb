package eventmesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/time/rate"
)

// KafkaTransportConfig configures a KafkaTransport.
type KafkaTransportConfig struct {
	Brokers []string
	// Topic is the single Kafka topic carrying every mesh frame.
	// Default "eventmesh.events".
	Topic string
	// GroupPrefix is prepended to the node id to form the consumer group,
	// so every node reads every frame. Default "eventmesh-".
	GroupPrefix string
	// BatchTimeout bounds how long the async writer holds a partial batch.
	// Default 10ms.
	BatchTimeout time.Duration
	Metrics      *Metrics
}

func (c *KafkaTransportConfig) applyDefaults() {
	if c.Topic == "" {
		c.Topic = "eventmesh.events"
	}
	if c.GroupPrefix == "" {
		c.GroupPrefix = "eventmesh-"
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = 10 * time.Millisecond
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics()
	}
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaTransport broadcasts frames through one Kafka topic instead of a
// websocket mesh. Message keys are topic ids and values are wire frames.
// Each node consumes from the latest offset in its own group: there is no
// replay of frames produced while a node was down.
type KafkaTransport struct {
	nodeID  string
	config  KafkaTransportConfig
	metrics *Metrics
	router  *frameRouter

	writer kafkaWriter
	reader kafkaReader

	fetchLog rate.Sometimes
	started  atomic.Bool
	stopped  atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewKafkaTransport(nodeID string, config KafkaTransportConfig) (*KafkaTransport, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("%w: empty node id", ErrInvalidArgument)
	}
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("%w: no kafka brokers", ErrInvalidArgument)
	}
	t := newKafkaTransportWith(nodeID, config, nil, nil)
	config = t.config
	t.writer = &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Topic:                  config.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           config.BatchTimeout,
		Async:                  true,
		AllowAutoTopicCreation: true,
		Completion:             t.onWritten,
	}
	t.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     config.Brokers,
		GroupID:     config.GroupPrefix + nodeID,
		Topic:       config.Topic,
		MinBytes:    1,
		MaxBytes:    10 << 20,
		MaxWait:     100 * time.Millisecond,
		StartOffset: kafka.LastOffset,
	})
	return t, nil
}

// newKafkaTransportWith builds a transport over the given client halves.
func newKafkaTransportWith(nodeID string, config KafkaTransportConfig, w kafkaWriter, r kafkaReader) *KafkaTransport {
	config.applyDefaults()
	return &KafkaTransport{
		nodeID:   nodeID,
		config:   config,
		metrics:  config.Metrics,
		router:   newFrameRouter(nodeID, config.Metrics),
		writer:   w,
		reader:   r,
		fetchLog: rate.Sometimes{Interval: 5 * time.Second},
	}
}

func (t *KafkaTransport) LocalNodeID() string { return t.nodeID }

// Start launches the consumer loop.
func (t *KafkaTransport) Start(ctx context.Context) error {
	if t.stopped.Load() {
		return ErrTransportStopped
	}
	if !t.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: transport already started", ErrIllegalState)
	}

	ctx, t.cancel = context.WithCancel(context.WithoutCancel(ctx))
	t.wg.Add(1)
	go t.readLoop(ctx)

	slog.Info("kafka transport started", "node", t.nodeID, "topic", t.config.Topic,
		"group", t.config.GroupPrefix+t.nodeID)
	return nil
}

// Stop ends the consumer loop and flushes the writer. Safe to call
// multiple times.
func (t *KafkaTransport) Stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		if t.cancel != nil {
			t.cancel()
		}
		t.wg.Wait()
		if err := t.reader.Close(); err != nil {
			slog.Warn("kafka reader close failed", "error", err)
		}
		if err := t.writer.Close(); err != nil {
			slog.Warn("kafka writer close failed", "error", err)
		}
		slog.Info("kafka transport stopped", "node", t.nodeID)
	})
}

func (t *KafkaTransport) SendEvent(topicID string, env Envelope, opts ...SendOption) error {
	if err := ValidateTopicID(topicID); err != nil {
		return err
	}
	if t.stopped.Load() {
		return ErrTransportStopped
	}
	sc := applySendOptions(opts)

	t.router.receivers.fanOut(topicID, env)
	if sc.localOnly {
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(topicID),
		Value: t.router.encode(topicID, env),
		Time:  time.Now().UTC(),
	}
	if err := t.writer.WriteMessages(context.Background(), msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// onWritten is the async writer's completion callback.
func (t *KafkaTransport) onWritten(msgs []kafka.Message, err error) {
	if err != nil {
		t.metrics.SendFailures.Add(int64(len(msgs)))
		slog.Warn("kafka write failed", "messages", len(msgs), "error", err)
		return
	}
	t.metrics.FramesSent.Add(int64(len(msgs)))
}

func (t *KafkaTransport) SubscribeTopic(topicID string, r Receiver) error {
	return t.router.receivers.subscribe(topicID, r)
}

func (t *KafkaTransport) UnsubscribeTopic(topicID string, r Receiver) error {
	return t.router.receivers.unsubscribe(topicID, r)
}

// Topics returns the topic ids with local receivers.
func (t *KafkaTransport) Topics() []string { return t.router.receivers.topicIDs() }

func (t *KafkaTransport) readLoop(ctx context.Context) {
	defer t.wg.Done()

	for {
		m, err := t.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			t.fetchLog.Do(func() {
				slog.Warn("kafka fetch failed", "error", err)
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		t.metrics.FramesReceived.Add(1)
		t.router.route(m.Value)

		if err := t.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			slog.Debug("kafka commit failed", "offset", m.Offset, "error", err)
		}
	}
}
