// Package kafka ingests run observations published by the validation pipeline.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"preflight-alerting/internal/metrics"
	"preflight-alerting/internal/models"
	"preflight-alerting/internal/store"
	"preflight-alerting/internal/utils"
)

const (
	fetchRetryBase = 500 * time.Millisecond
	fetchRetryMax  = 30 * time.Second
)

// fetchBackoff is the pause after the n-th consecutive fetch failure.
func fetchBackoff(n int) time.Duration {
	return min(utils.Backoff(fetchRetryBase, n), fetchRetryMax)
}

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

type Consumer struct {
	reader   *kafka.Reader
	runs     store.RunStore
	recorder *metrics.Recorder
	logger   *logrus.Logger
}

func NewConsumer(cfg Config, runs store.RunStore, rec *metrics.Recorder, logger *logrus.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
		StartOffset: kafka.FirstOffset,
	})
	return &Consumer{reader: reader, runs: runs, recorder: rec, logger: logger}
}

// Run consumes until ctx is cancelled. Every fetched message is committed,
// including malformed ones, so a poison message cannot stall the partition.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Infof("Kafka consumer started on topic %s", c.reader.Config().Topic)
	failures := 0
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				c.logger.Info("Kafka consumer stopped")
				return nil
			}
			failures++
			delay := fetchBackoff(failures)
			c.logger.Errorf("Fetch message failed (attempt %d), retrying in %s: %v", failures, delay, err)
			if utils.Sleep(ctx, delay) != nil {
				c.logger.Info("Kafka consumer stopped")
				return nil
			}
			continue
		}
		failures = 0

		c.handle(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Errorf("Commit offset %d failed: %v", msg.Offset, err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	run, err := Decode(msg.Value)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"partition": msg.Partition,
			"offset":    msg.Offset,
		}).Warnf("Dropping malformed run observation: %v", err)
		return
	}
	err = utils.Retry(ctx, c.logger, "upsert run "+run.RunID, 3, 500*time.Millisecond, func() error {
		return c.runs.UpsertRun(ctx, run)
	})
	if err != nil {
		c.logger.WithField("run_id", run.RunID).Errorf("Failed to store run observation: %v", err)
		return
	}
	c.recorder.RunIngested()
	c.logger.WithFields(logrus.Fields{
		"run_id": run.RunID,
		"source": run.SourceName,
		"status": run.Status,
	}).Debug("Ingested run observation")
}

// Decode parses and validates one RunObservation message.
func Decode(value []byte) (models.RunObservation, error) {
	var run models.RunObservation
	if err := json.Unmarshal(value, &run); err != nil {
		return run, fmt.Errorf("invalid json: %w", err)
	}
	if run.RunID == "" || run.SourceName == "" {
		return run, fmt.Errorf("run_id and source_name are required")
	}
	switch run.Status {
	case models.RunSuccess, models.RunFailed, models.RunError:
	default:
		return run, fmt.Errorf("unknown run status %q", run.Status)
	}
	if run.StartedAt.IsZero() {
		return run, fmt.Errorf("started_at is required")
	}
	if run.RowsFailed < 0 || run.RowsTotal < 0 || run.ChecksFailed < 0 || run.ChecksTotal < 0 {
		return run, fmt.Errorf("counts must not be negative")
	}
	return run, nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
