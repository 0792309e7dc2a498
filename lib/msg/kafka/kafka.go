// Package kafka implements the message broker interface on Apache Kafka. Requests and events of each network travel
// on their own topic: dgw.requests.<net> and dgw.events.<net>.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/tarancss/depositgw/lib/logger"
	"github.com/tarancss/depositgw/lib/msg"
)

// Topic prefixes.
const (
	ReqTopic = "dgw.requests."
	EvtTopic = "dgw.events."
)

const writeTimeout = 10 * time.Second

// Kafka implements msg.Broker with one shared writer and one consumer group reader per consumed topic.
type Kafka struct {
	brokers []string
	group   string
	writer  *kafka.Writer
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	rs     []*kafka.Reader
}

// New returns a broker for a comma separated list of bootstrap servers. group is the consumer group of the readers.
func New(brokers, group string) (*Kafka, error) {
	bs := strings.Split(brokers, ",")
	if len(bs) == 0 || bs[0] == "" {
		return nil, fmt.Errorf("kafka: no brokers in %q", brokers)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Kafka{
		brokers: bs,
		group:   group,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(bs...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			MaxAttempts:            3,
			WriteTimeout:           writeTimeout,
			AllowAutoTopicCreation: true,
		},
		log:    logger.Get().Named("kafka"),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Setup checks that the first broker is reachable.
func (k *Kafka) Setup(interface{}) error {
	conn, err := kafka.Dial("tcp", k.brokers[0])
	if err != nil {
		return err
	}
	return conn.Close()
}

// Close stops the readers and flushes the writer.
func (k *Kafka) Close() error {
	k.cancel()
	k.mu.Lock()
	for _, r := range k.rs {
		if err := r.Close(); err != nil {
			k.log.Warn("closing reader", zap.Error(err))
		}
	}
	k.rs = nil
	k.mu.Unlock()
	return k.writer.Close()
}

func (k *Kafka) write(topic, key string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	ctx, cancel := context.WithTimeout(k.ctx, writeTimeout)
	defer cancel()
	if err = k.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(key), Value: body, Time: time.Now()}); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	return nil
}

// SendRequest publishes r keyed by its object so that requests on one object keep their order.
func (k *Kafka) SendRequest(net string, r msg.Request) error {
	return k.write(ReqTopic+net, r.Obj+r.Order, r)
}

// SendEvent publishes e keyed by address or order.
func (k *Kafka) SendEvent(net string, e msg.Event) error {
	key := e.Address
	if key == "" {
		key = e.Order
	}
	if err := k.write(EvtTopic+net, key, e); err != nil {
		k.log.Error("sending event", zap.String("net", net), zap.String("kind", e.Kind), zap.Error(err))
		return err
	}
	return nil
}

func (k *Kafka) reader(topic string) *kafka.Reader {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       topic,
		GroupID:     k.group,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	k.mu.Lock()
	k.rs = append(k.rs, r)
	k.mu.Unlock()
	return r
}

// consume fetches messages from topic, sends each decoded one on the returned channel and commits it once the
// consumer unlocks mut.
func consume[T any](k *Kafka, topic string, mut *sync.Mutex) (<-chan T, <-chan error) {
	r := k.reader(topic)
	out := make(chan T)
	errs := make(chan error)
	go func() {
		defer close(out)
		for {
			m, err := r.FetchMessage(k.ctx)
			if err != nil {
				if k.ctx.Err() != nil {
					return
				}
				k.log.Warn("fetching message", zap.String("topic", topic), zap.Error(err))
				time.Sleep(time.Second)
				continue
			}
			var v T
			if err = json.Unmarshal(m.Value, &v); err != nil {
				_ = r.CommitMessages(k.ctx, m)
				select {
				case errs <- err:
				case <-k.ctx.Done():
					return
				}
				continue
			}
			select {
			case out <- v:
			case <-k.ctx.Done():
				return
			}
			mut.Lock() // wait for the consumer to finish processing
			if err = r.CommitMessages(k.ctx, m); err != nil {
				k.log.Warn("committing message", zap.String("topic", topic), zap.Error(err))
			}
		}
	}()
	return out, errs
}

// GetReqs consumes the requests of net.
func (k *Kafka) GetReqs(net string, mut *sync.Mutex) (<-chan msg.Request, <-chan error, error) {
	reqs, errs := consume[msg.Request](k, ReqTopic+net, mut)
	return reqs, errs, nil
}

// GetEvents consumes the events of net.
func (k *Kafka) GetEvents(net string, mut *sync.Mutex) (<-chan msg.Event, <-chan error, error) {
	eves, errs := consume[msg.Event](k, EvtTopic+net, mut)
	return eves, errs, nil
}
