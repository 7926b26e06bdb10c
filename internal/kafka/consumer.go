package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/MarkusJohansen/faxing/internal/config"
	"github.com/MarkusJohansen/faxing/internal/domain"
)

// SessionHandler applies player messages to sessions
type SessionHandler interface {
	JoinSession(ctx context.Context, code, name string) error
	SubmitCompletion(ctx context.Context, code, name string, elapsedMillis int64) ([]domain.LeaderboardEntry, error)
}

// Consumer consumes player messages from Kafka
type Consumer struct {
	config        *config.KafkaConfig
	processor     *processor
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan bool
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, handler SessionHandler, logger *slog.Logger) (*Consumer, error) {
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
		processor:     &processor{handler: handler, logger: logger},
		logger:        logger,
		consumerGroup: consumerGroup,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan bool),
	}, nil
}

// Start begins consuming and returns once the first session is set up
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
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
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

	select {
	case <-c.ready:
		c.logger.Info("Kafka consumer ready")
	case <-c.ctx.Done():
		return c.ctx.Err()
	}

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

type consumerGroupHandler struct {
	consumer *Consumer
	ready    chan bool
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim batches messages and marks them once the batch has been
// applied, so a crash replays the batch instead of losing it
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	cfg := h.consumer.config
	logger := h.consumer.logger
	batch := make([]Message, 0, cfg.BatchSize)
	pending := make([]*sarama.ConsumerMessage, 0, cfg.BatchSize)
	batchTimer := time.NewTimer(cfg.BatchTimeout)
	defer batchTimer.Stop()

	flush := func() {
		if len(pending) == 0 {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		result := h.consumer.processor.Process(ctx, batch)
		logger.Debug("processed batch",
			"batch_size", len(batch),
			"applied", result.Applied,
			"rejected", result.Rejected,
			"failed", result.Failed,
		)

		for _, m := range pending {
			session.MarkMessage(m, "")
		}
		batch = batch[:0]
		pending = pending[:0]
	}

	for {
		select {
		case <-session.Context().Done():
			flush()
			return nil

		case <-batchTimer.C:
			flush()
			batchTimer.Reset(cfg.BatchTimeout)

		case message, ok := <-claim.Messages():
			if !ok {
				flush()
				return nil
			}

			pending = append(pending, message)
			msg, err := DecodeMessage(message.Value)
			if err != nil {
				logger.Warn("dropping invalid message",
					"error", err,
					"offset", message.Offset,
					"partition", message.Partition,
				)
			} else {
				batch = append(batch, msg)
			}

			if len(pending) >= cfg.BatchSize {
				flush()
				batchTimer.Reset(cfg.BatchTimeout)
			}
		}
	}
}

// BatchResult counts the outcome of a batch
type BatchResult struct {
	Applied  int
	Rejected int
	Failed   int
}

// processor applies decoded messages in order
type processor struct {
	handler SessionHandler
	logger  *slog.Logger
}

// Process applies every message. Messages the coordinator rejects (a
// taken name, a second submission) are final and counted as rejected;
// internal failures are counted as failed. Neither stops the batch.
func (p *processor) Process(ctx context.Context, batch []Message) BatchResult {
	var result BatchResult
	for _, msg := range batch {
		err := p.apply(ctx, msg)
		switch {
		case err == nil:
			result.Applied++
		case domain.KindOf(err) == domain.KindInternal:
			result.Failed++
			p.logger.Error("failed to apply message",
				"type", msg.Type,
				"session", msg.SessionCode,
				"player", msg.PlayerName,
				"error", err,
			)
		default:
			result.Rejected++
			p.logger.Info("message rejected",
				"type", msg.Type,
				"session", msg.SessionCode,
				"player", msg.PlayerName,
				"reason", domain.ReasonOf(err),
			)
		}
	}
	return result
}

func (p *processor) apply(ctx context.Context, msg Message) error {
	switch msg.Type {
	case MessageTypeJoin:
		return p.handler.JoinSession(ctx, msg.SessionCode, msg.PlayerName)
	case MessageTypeComplete:
		_, err := p.handler.SubmitCompletion(ctx, msg.SessionCode, msg.PlayerName, *msg.ElapsedMs)
		return err
	default:
		return domain.WithMessage(domain.ErrInvalidRequest, "unknown message type %q", msg.Type)
	}
}
