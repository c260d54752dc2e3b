package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
)

// DefaultKafkaTopic is the Kafka topic carrying lock events when none is
// configured. Lock keys contain characters Kafka forbids in topic names, so
// every event goes to one topic and the event topic travels as message key.
const DefaultKafkaTopic = "lease-events"

// KafkaBus implements Bus using a single Kafka topic.
type KafkaBus struct {
	client   sarama.Client
	producer sarama.SyncProducer
	consumer sarama.Consumer
	topic    string

	startOnce sync.Once
	startErr  error
	pcs       []sarama.PartitionConsumer

	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers. An
// empty topic selects DefaultKafkaTopic.
func NewKafkaBus(brokers []string, topic string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &KafkaBus{
		client:   client,
		producer: producer,
		consumer: consumer,
		topic:    topic,
		subs:     make(map[string][]chan struct{}),
	}, nil
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(topic),
		Value: sarama.StringEncoder("1"),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// start attaches one partition consumer per partition of the event topic,
// reading from the newest offset.
func (b *KafkaBus) start() error {
	b.startOnce.Do(func() {
		partitions, err := b.consumer.Partitions(b.topic)
		if err != nil {
			b.startErr = err
			return
		}
		for _, p := range partitions {
			pc, err := b.consumer.ConsumePartition(b.topic, p, sarama.OffsetNewest)
			if err != nil {
				b.startErr = err
				return
			}
			b.pcs = append(b.pcs, pc)
			go b.dispatch(pc)
		}
	})
	return b.startErr
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		b.mu.Lock()
		fanout(b.subs[string(msg.Key)], &b.delivered)
		b.mu.Unlock()
	}
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.start(); err != nil {
		return nil, err
	}
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, _ := removeChan(b.subs[topic], ch)
	if len(subs) == 0 {
		delete(b.subs, topic)
	} else {
		b.subs[topic] = subs
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() {
	for _, pc := range b.pcs {
		_ = pc.Close()
	}
	_ = b.producer.Close()
	_ = b.consumer.Close()
	_ = b.client.Close()
}
