package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/streak-league/internal/config"
	"github.com/streak-league/internal/domain"
	"github.com/streak-league/internal/metrics"
)

// ActivityTracker applies page activity events
type ActivityTracker interface {
	TrackEvent(ctx context.Context, ev domain.ActivityEvent)
}

// Consumer consumes page activity messages from Kafka
type Consumer struct {
	config        *config.KafkaConfig
	tracker       ActivityTracker
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan bool
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, tracker ActivityTracker, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		config:        cfg,
		tracker:       tracker,
		logger:        logger,
		consumerGroup: consumerGroup,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan bool),
	}, nil
}

// Start begins consuming messages from Kafka
func (c *Consumer) Start() error {
	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.Topic,
		"group_id", c.config.GroupID,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{
				consumer: c,
				ready:    c.ready,
			}

			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.Topic}, handler); err != nil {
				if err == sarama.ErrClosedConsumerGroup {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}

			if c.ctx.Err() != nil {
				return
			}

			c.ready = make(chan bool)
		}
	}()

	<-c.ready
	c.logger.Info("Kafka consumer ready")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    chan bool
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim buffers events from a partition and applies them in batches
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	cfg := h.consumer.config
	batch := make([]domain.ActivityEvent, 0, cfg.BatchSize)
	batchTimer := time.NewTimer(cfg.BatchTimeout)
	defer batchTimer.Stop()

	processBatch := func() {
		if len(batch) == 0 {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		merged := coalesce(batch)
		for _, ev := range merged {
			h.consumer.tracker.TrackEvent(ctx, ev)
		}
		h.consumer.logger.Debug("processed batch", "batch_size", len(batch), "writes", len(merged))

		batch = batch[:0]
	}

	for {
		select {
		case <-session.Context().Done():
			processBatch()
			return nil

		case <-batchTimer.C:
			processBatch()
			batchTimer.Reset(cfg.BatchTimeout)

		case message, ok := <-claim.Messages():
			if !ok {
				processBatch()
				return nil
			}

			ev, err := decodeActivityEvent(message.Value)
			if err != nil {
				metrics.RecordKafkaMessage("invalid")
				h.consumer.logger.Warn("dropping activity message",
					"error", err,
					"offset", message.Offset,
					"partition", message.Partition,
				)
				session.MarkMessage(message, "")
				continue
			}

			metrics.RecordKafkaMessage("decoded")
			batch = append(batch, ev)
			session.MarkMessage(message, "")

			if len(batch) >= cfg.BatchSize {
				processBatch()
				batchTimer.Reset(cfg.BatchTimeout)
			}
		}
	}
}

// decodeActivityEvent parses and validates a page activity message
func decodeActivityEvent(value []byte) (domain.ActivityEvent, error) {
	var ev domain.ActivityEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	if ev.UserID == "" || ev.Surface == "" {
		return ev, fmt.Errorf("%w: user_id and surface are required", domain.ErrInvalidRequest)
	}
	if ev.Minutes < 0 {
		return ev, fmt.Errorf("%w: negative minutes", domain.ErrInvalidRequest)
	}
	return ev, nil
}

// coalesce merges events for the same user and surface, summing minutes and
// keeping first-seen order. The latest timestamp wins.
func coalesce(events []domain.ActivityEvent) []domain.ActivityEvent {
	type key struct{ user, surface string }
	index := make(map[key]int, len(events))
	out := make([]domain.ActivityEvent, 0, len(events))

	for _, ev := range events {
		k := key{ev.UserID, ev.Surface}
		if i, ok := index[k]; ok {
			out[i].Minutes += ev.Minutes
			if ev.Timestamp.After(out[i].Timestamp) {
				out[i].Timestamp = ev.Timestamp
			}
			continue
		}
		index[k] = len(out)
		out = append(out, ev)
	}
	return out
}
