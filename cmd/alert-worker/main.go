package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sportsedge/integrity-engine/configs"
	"github.com/sportsedge/integrity-engine/internal/ingestion"
	"github.com/sportsedge/integrity-engine/internal/models"
	"github.com/sportsedge/integrity-engine/internal/queue"
	"github.com/sportsedge/integrity-engine/internal/repositories"
)

// IntakeStats tracks live intake counts for the periodic report.
type IntakeStats struct {
	mu            sync.RWMutex
	Created       int64
	Duplicates    int64
	Invalid       int64
	Errors        int64
	LastEventTime time.Time
}

type intakeSnapshot struct {
	Created       int64
	Duplicates    int64
	Invalid       int64
	Errors        int64
	LastEventTime time.Time
}

func (s *IntakeStats) RecordCreated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Created++
	s.LastEventTime = time.Now()
}

func (s *IntakeStats) RecordDuplicate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Duplicates++
	s.LastEventTime = time.Now()
}

func (s *IntakeStats) RecordInvalid() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Invalid++
	s.LastEventTime = time.Now()
}

func (s *IntakeStats) RecordError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Errors++
}

func (s *IntakeStats) Snapshot() intakeSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return intakeSnapshot{
		Created:       s.Created,
		Duplicates:    s.Duplicates,
		Invalid:       s.Invalid,
		Errors:        s.Errors,
		LastEventTime: s.LastEventTime,
	}
}

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("ENVIRONMENT") == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Info().Msg("🚨 Starting fraud alert intake worker")

	// Load configuration
	cfg := configs.Load()

	// Get Kafka configuration from environment
	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers == "" {
		kafkaBrokers = "localhost:9092"
	}
	brokers := strings.Split(kafkaBrokers, ",")

	kafkaGroupID := os.Getenv("KAFKA_GROUP_ID")
	if kafkaGroupID == "" {
		kafkaGroupID = "integrity-engine-intake"
	}

	kafkaTopics := os.Getenv("KAFKA_TOPICS")
	if kafkaTopics == "" {
		kafkaTopics = "fraud.detections"
	}
	topics := strings.Split(kafkaTopics, ",")

	// Connect to database
	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Connect to Redis for the outbound event stream
	streamClient, err := queue.NewAlertStreamClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer streamClient.Close()

	alertRepo := repositories.NewAlertRepository(db)
	intakeService := ingestion.NewIntakeService(alertRepo, streamClient)

	// Create Kafka consumer
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	// Oldest: detection events must not be missed across restarts
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true
	config.Version = sarama.V3_0_0_0

	// Retry connecting to Kafka
	var consumerGroup sarama.ConsumerGroup
	for i := 0; i < 30; i++ {
		consumerGroup, err = sarama.NewConsumerGroup(brokers, kafkaGroupID, config)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("Failed to connect to Kafka, retrying...")
		time.Sleep(5 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Kafka consumer group after retries")
	}
	defer consumerGroup.Close()

	handler := &DetectionConsumer{
		intake:  intakeService,
		stats:   &IntakeStats{},
		retries: 3,
		backoff: time.Second,
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received, stopping intake worker...")
		cancel()
	}()

	go func() {
		for err := range consumerGroup.Errors() {
			log.Error().Err(err).Msg("Consumer group error")
		}
	}()

	// Start stats reporter (logs every 30 seconds)
	go handler.startStatsReporter(ctx)

	log.Info().
		Strs("brokers", brokers).
		Strs("topics", topics).
		Str("group_id", kafkaGroupID).
		Msg("Intake worker started - consuming detection events")

	for {
		if err := consumerGroup.Consume(ctx, topics, handler); err != nil {
			log.Error().Err(err).Msg("Error from consumer")
			time.Sleep(time.Second)
		}

		if ctx.Err() != nil {
			log.Info().Msg("Context cancelled, shutting down intake worker")
			return
		}
	}
}

// DetectionConsumer turns detection events into fraud alerts. Messages are
// committed only after the alert write succeeds, so a store outage replays
// events instead of dropping them; intake dedupes the replays.
type DetectionConsumer struct {
	intake  *ingestion.IntakeService
	stats   *IntakeStats
	retries int
	backoff time.Duration
}

func (c *DetectionConsumer) Setup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Intake session started")
	return nil
}

func (c *DetectionConsumer) Cleanup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Intake session ended")
	return nil
}

func (c *DetectionConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			if err := c.processMessage(session.Context(), message); err != nil {
				// Leave the message uncommitted and restart the session;
				// it is redelivered once the store recovers.
				return err
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (c *DetectionConsumer) processMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	var event models.DetectionEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		log.Error().Err(err).
			Int64("offset", message.Offset).
			Int32("partition", message.Partition).
			Msg("Failed to parse detection event, skipping")
		c.stats.RecordInvalid()
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff * time.Duration(attempt)):
			}
		}

		_, created, err := c.intake.ProcessDetection(ctx, &event)
		if err == nil {
			if created {
				c.stats.RecordCreated()
			} else {
				c.stats.RecordDuplicate()
			}
			return nil
		}

		var invalid *ingestion.InvalidEventError
		if errors.As(err, &invalid) {
			log.Error().Err(err).
				Str("event_id", event.EventID).
				Msg("Dropping invalid detection event")
			c.stats.RecordInvalid()
			return nil
		}

		lastErr = err
		log.Warn().Err(err).
			Str("event_id", event.EventID).
			Int("attempt", attempt+1).
			Msg("Failed to process detection event")
	}

	c.stats.RecordError()
	return lastErr
}

func (c *DetectionConsumer) startStatsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snap := c.stats.Snapshot()
			log.Info().
				Int64("created", snap.Created).
				Int64("duplicates", snap.Duplicates).
				Int64("invalid", snap.Invalid).
				Int64("errors", snap.Errors).
				Msg("📊 Detection intake stats")

		case <-ctx.Done():
			return
		}
	}
}
