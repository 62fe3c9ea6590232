// Package consumer implements the durable-queue worker loop: one task in
// flight at a time, explicit retry counters, dead-letter routing, and a
// reconnect loop for broker-level failures.
package consumer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/esg-worker/internal/config"
	"github.com/sells-group/esg-worker/internal/model"
	"github.com/sells-group/esg-worker/internal/pipeline"
)

// Processor runs the document pipeline for one task.
type Processor interface {
	ProcessDocument(ctx context.Context, task model.Task) (*model.DocumentResult, error)
}

// StatusStore is the slice of the store the consumer needs: the embedding
// readiness check and the best-effort ingestion status side-channel.
type StatusStore interface {
	HasPassages(ctx context.Context, objectKey string) (bool, error)
	SetIngestionStatus(ctx context.Context, objectKey, status, message string) error
}

// publisher is satisfied by *amqp.Channel; tests substitute a fake.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Consumer pulls tasks from the durable queue and drives the pipeline.
type Consumer struct {
	cfg       config.QueueConfig
	store     StatusStore
	processor Processor

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration)

	// Activity counters for the ops endpoint. Atomic: the ops HTTP handler
	// reads them while the consumer goroutine is writing.
	succeeded    atomic.Int64
	failed       atomic.Int64
	requeued     atomic.Int64
	deadLettered atomic.Int64
}

// Counters is a snapshot of consumer activity since start.
type Counters struct {
	Succeeded    int64 `json:"succeeded"`
	Failed       int64 `json:"failed"`
	Requeued     int64 `json:"requeued"`
	DeadLettered int64 `json:"dead_lettered"`
}

// New creates a consumer.
func New(cfg config.QueueConfig, st StatusStore, proc Processor) *Consumer {
	return &Consumer{
		cfg:       cfg,
		store:     st,
		processor: proc,
		sleep:     sleepCtx,
	}
}

// Counters returns a snapshot of the activity counters.
func (c *Consumer) Counters() Counters {
	return Counters{
		Succeeded:    c.succeeded.Load(),
		Failed:       c.failed.Load(),
		Requeued:     c.requeued.Load(),
		DeadLettered: c.deadLettered.Load(),
	}
}

// Run consumes until ctx is cancelled. Broker-level failures trigger
// reconnection with exponential backoff; the backoff resets after a
// successful session.
func (c *Consumer) Run(ctx context.Context) error {
	base := time.Duration(c.cfg.ReconnectBaseSecs) * time.Second
	if base <= 0 {
		base = time.Second
	}
	max := time.Duration(c.cfg.ReconnectMaxSecs) * time.Second
	if max <= 0 {
		max = time.Minute
	}

	delay := base
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		handled, err := c.consumeSession(ctx)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}
		if handled {
			delay = base
		}

		zap.L().Warn("broker session ended, reconnecting",
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		c.sleep(ctx, delay)
		delay = nextReconnectDelay(delay, max)
	}
}

// nextReconnectDelay doubles the reconnect backoff, capped at max.
func nextReconnectDelay(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		next = max
	}
	return next
}

// consumeSession holds one broker connection open and processes deliveries
// until the connection drops or ctx is cancelled. handled reports whether at
// least one delivery was processed before the session ended.
func (c *Consumer) consumeSession(ctx context.Context) (handled bool, err error) {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return false, eris.Wrap(err, "consumer: dial broker")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return false, eris.Wrap(err, "consumer: open channel")
	}
	defer ch.Close()

	if err := declareQueues(ch, c.cfg); err != nil {
		return false, err
	}

	// One unacknowledged message at a time: a slow inference call must not
	// hoard tasks that a competing worker process could take.
	if err := ch.Qos(1, 0, false); err != nil {
		return false, eris.Wrap(err, "consumer: set qos")
	}

	deliveries, err := ch.Consume(c.cfg.Name, "", false, false, false, false, nil)
	if err != nil {
		return false, eris.Wrap(err, "consumer: start consuming")
	}

	zap.L().Info("consuming tasks",
		zap.String("queue", c.cfg.Name),
		zap.String("dead_letter", c.cfg.DeadLetterName),
	)

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return handled, nil
		case amqpErr := <-closed:
			if amqpErr == nil {
				return handled, eris.New("consumer: connection closed")
			}
			return handled, eris.Wrap(amqpErr, "consumer: connection closed")
		case d, ok := <-deliveries:
			if !ok {
				return handled, eris.New("consumer: delivery channel closed")
			}
			c.handle(ctx, ch, d)
			handled = true
		}
	}
}

// declareQueues declares the dead-letter queue and the main queue with
// dead-letter routing through the default exchange.
func declareQueues(ch *amqp.Channel, cfg config.QueueConfig) error {
	if _, err := ch.QueueDeclare(cfg.DeadLetterName, true, false, false, false, nil); err != nil {
		return eris.Wrapf(err, "consumer: declare queue %s", cfg.DeadLetterName)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.DeadLetterName,
	}
	if _, err := ch.QueueDeclare(cfg.Name, true, false, false, false, args); err != nil {
		return eris.Wrapf(err, "consumer: declare queue %s", cfg.Name)
	}
	return nil
}

// handle runs the per-task state machine for one delivery.
func (c *Consumer) handle(ctx context.Context, pub publisher, d amqp.Delivery) {
	task, err := decodeTask(d)
	if err != nil {
		// Undecodable messages can never succeed; straight to the DLQ.
		zap.L().Error("dropping undecodable task", zap.Error(err))
		c.deadLetter(d)
		return
	}

	// Correlation id for log lines across retries: the publisher's message id
	// when present, otherwise minted here.
	taskID := d.MessageId
	if taskID == "" {
		taskID = uuid.NewString()
	}
	log := zap.L().With(
		zap.String("task_id", taskID),
		zap.String("object_key", task.ObjectKey),
		zap.Int("retry_count", task.RetryCount),
	)

	ready, err := c.store.HasPassages(ctx, task.ObjectKey)
	if err != nil {
		log.Warn("embedding readiness check failed", zap.Error(err))
		c.retryOrDeadLetter(ctx, pub, d, task, log)
		return
	}
	if !ready {
		c.waitForEmbeddings(ctx, pub, d, task, log)
		return
	}

	c.setStatus(ctx, task.ObjectKey, model.IngestionProcessing, "")

	result, err := c.processor.ProcessDocument(ctx, task)
	if err != nil {
		c.setStatus(ctx, task.ObjectKey, model.IngestionFailed, err.Error())
		if pipeline.IsPermanent(err) {
			log.Error("task failed permanently", zap.Error(err))
			c.deadLetter(d)
			return
		}
		log.Warn("task failed", zap.Error(err))
		c.retryOrDeadLetter(ctx, pub, d, task, log)
		return
	}

	c.setStatus(ctx, task.ObjectKey, model.IngestionSuccess, "")
	c.succeeded.Add(1)
	log.Info("task succeeded",
		zap.Int("indicators_valid", result.IndicatorsValid),
		zap.Int("extraction_errors", result.ExtractionErrors),
		zap.Int64("duration_ms", result.DurationMs),
	)
	c.ack(d)
}

// waitForEmbeddings handles a task whose passages have not landed yet. The
// message is republished with an incremented check counter and acknowledged,
// then the consumer pauses. Acknowledging first means no unacked delivery is
// held across the pause, so broker heartbeats stay healthy.
func (c *Consumer) waitForEmbeddings(ctx context.Context, pub publisher, d amqp.Delivery, task model.Task, log *zap.Logger) {
	if task.EmbeddingCheckCount >= c.cfg.MaxEmbeddingChecks {
		log.Error("embeddings never appeared, dead-lettering",
			zap.Int("checks", task.EmbeddingCheckCount),
		)
		c.setStatus(ctx, task.ObjectKey, model.IngestionFailed, "embeddings not available after maximum checks")
		c.deadLetter(d)
		return
	}

	headers := cloneHeaders(d.Headers)
	headers[headerEmbeddingCheckCount] = int32(task.EmbeddingCheckCount + 1)
	if err := c.republish(ctx, pub, d, headers); err != nil {
		log.Warn("republish failed, requeueing via broker", zap.Error(err))
		c.nackRequeue(d)
		return
	}
	c.ack(d)
	c.requeued.Add(1)

	log.Info("embeddings not ready, waiting",
		zap.Int("check", task.EmbeddingCheckCount+1),
		zap.Int("max_checks", c.cfg.MaxEmbeddingChecks),
	)
	c.sleep(ctx, time.Duration(c.cfg.EmbeddingWaitSecs)*time.Second)
}

// retryOrDeadLetter republishes a transiently failed task with an
// incremented retry counter, or dead-letters it when the budget is spent.
func (c *Consumer) retryOrDeadLetter(ctx context.Context, pub publisher, d amqp.Delivery, task model.Task, log *zap.Logger) {
	if task.RetryCount >= c.cfg.MaxRetries {
		log.Error("retry budget exhausted, dead-lettering",
			zap.Int("max_retries", c.cfg.MaxRetries),
		)
		c.deadLetter(d)
		return
	}

	headers := cloneHeaders(d.Headers)
	headers[headerRetryCount] = int32(task.RetryCount + 1)
	if err := c.republish(ctx, pub, d, headers); err != nil {
		log.Warn("republish failed, requeueing via broker", zap.Error(err))
		c.nackRequeue(d)
		return
	}
	c.ack(d)
	c.requeued.Add(1)
	log.Info("task requeued for retry", zap.Int("retry", task.RetryCount+1))
}

// republish re-enqueues the delivery body on the main queue with updated
// headers and the persistence flag set.
func (c *Consumer) republish(ctx context.Context, pub publisher, d amqp.Delivery, headers amqp.Table) error {
	msg := amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Headers:      headers,
		Body:         d.Body,
	}
	if err := pub.PublishWithContext(ctx, "", c.cfg.Name, false, false, msg); err != nil {
		return eris.Wrap(err, "consumer: republish task")
	}
	return nil
}

func (c *Consumer) setStatus(ctx context.Context, objectKey, status, message string) {
	if err := c.store.SetIngestionStatus(ctx, objectKey, status, message); err != nil {
		// Best effort only: status is an operator convenience, not task state.
		zap.L().Warn("ingestion status update failed",
			zap.String("object_key", objectKey),
			zap.String("status", status),
			zap.Error(err),
		)
	}
	if status == model.IngestionFailed {
		c.failed.Add(1)
	}
}

func (c *Consumer) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		zap.L().Error("ack failed", zap.Error(err))
	}
}

func (c *Consumer) nackRequeue(d amqp.Delivery) {
	if err := d.Nack(false, true); err != nil {
		zap.L().Error("nack(requeue) failed", zap.Error(err))
	}
}

// deadLetter rejects without requeue; the queue's dead-letter routing moves
// the message to the DLQ verbatim.
func (c *Consumer) deadLetter(d amqp.Delivery) {
	if err := d.Nack(false, false); err != nil {
		zap.L().Error("nack(dead-letter) failed", zap.Error(err))
	}
	c.deadLettered.Add(1)
}

func cloneHeaders(headers amqp.Table) amqp.Table {
	out := make(amqp.Table, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
