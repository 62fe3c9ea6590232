package consumer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/esg-worker/internal/config"
	"github.com/sells-group/esg-worker/internal/model"
	"github.com/sells-group/esg-worker/internal/pipeline"
	"github.com/sells-group/esg-worker/internal/resilience"
)

// fakeAcker records acknowledgement calls.
type fakeAcker struct {
	acks  int
	nacks []bool // requeue flag per nack
}

func (f *fakeAcker) Ack(tag uint64, multiple bool) error { f.acks++; return nil }
func (f *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	f.nacks = append(f.nacks, requeue)
	return nil
}
func (f *fakeAcker) Reject(tag uint64, requeue bool) error {
	f.nacks = append(f.nacks, requeue)
	return nil
}

// fakePublisher records republished messages.
type fakePublisher struct {
	published []amqp.Publishing
	err       error
}

func (f *fakePublisher) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, msg)
	return nil
}

// fakeStatusStore controls embedding readiness and records status writes.
type fakeStatusStore struct {
	hasPassages bool
	checkErr    error
	statuses    []string
}

func (f *fakeStatusStore) HasPassages(ctx context.Context, objectKey string) (bool, error) {
	return f.hasPassages, f.checkErr
}

func (f *fakeStatusStore) SetIngestionStatus(ctx context.Context, objectKey, status, message string) error {
	f.statuses = append(f.statuses, status)
	return nil
}

// fakeProcessor returns a scripted result or error.
type fakeProcessor struct {
	result *model.DocumentResult
	err    error
	calls  int
}

func (f *fakeProcessor) ProcessDocument(ctx context.Context, task model.Task) (*model.DocumentResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &model.DocumentResult{ObjectKey: task.ObjectKey}, nil
}

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		URL:                "amqp://localhost",
		Name:               "extraction-tasks",
		DeadLetterName:     "extraction-tasks.dlq",
		MaxRetries:         3,
		MaxEmbeddingChecks: 10,
		EmbeddingWaitSecs:  30,
	}
}

func newTestConsumer(st *fakeStatusStore, proc *fakeProcessor) *Consumer {
	c := New(testQueueConfig(), st, proc)
	c.sleep = func(ctx context.Context, d time.Duration) {}
	return c
}

func delivery(body string, headers amqp.Table) (amqp.Delivery, *fakeAcker) {
	acker := &fakeAcker{}
	return amqp.Delivery{
		Acknowledger: acker,
		DeliveryTag:  1,
		Headers:      headers,
		Body:         []byte(body),
	}, acker
}

func taskBody(t *testing.T, task model.Task) string {
	t.Helper()
	b, err := json.Marshal(task)
	require.NoError(t, err)
	return string(b)
}

func TestDecodeTask_JSONBody(t *testing.T) {
	d, _ := delivery(`{"object_key": "RELIANCE/2024_BRSR.pdf", "company_id": 7}`, amqp.Table{
		headerRetryCount:          int32(2),
		headerEmbeddingCheckCount: int64(4),
	})

	task, err := decodeTask(d)
	require.NoError(t, err)
	assert.Equal(t, "RELIANCE/2024_BRSR.pdf", task.ObjectKey)
	assert.Equal(t, int64(7), task.CompanyID)
	assert.Equal(t, 2, task.RetryCount)
	assert.Equal(t, 4, task.EmbeddingCheckCount)
}

func TestDecodeTask_LegacyBareString(t *testing.T) {
	d, _ := delivery(`"RELIANCE/2024_BRSR.pdf"`, nil)
	task, err := decodeTask(d)
	require.NoError(t, err)
	assert.Equal(t, "RELIANCE/2024_BRSR.pdf", task.ObjectKey)
	assert.Equal(t, 0, task.RetryCount)

	d, _ = delivery(`RELIANCE/2024_BRSR.pdf`, nil)
	task, err = decodeTask(d)
	require.NoError(t, err)
	assert.Equal(t, "RELIANCE/2024_BRSR.pdf", task.ObjectKey)
}

func TestDecodeTask_Invalid(t *testing.T) {
	d, _ := delivery("", nil)
	_, err := decodeTask(d)
	assert.Error(t, err)

	d, _ = delivery(`{"company_id": 7}`, nil)
	_, err = decodeTask(d)
	assert.Error(t, err)
}

func TestHandle_SuccessAcksAndMarksSuccess(t *testing.T) {
	st := &fakeStatusStore{hasPassages: true}
	proc := &fakeProcessor{}
	c := newTestConsumer(st, proc)

	d, acker := delivery(taskBody(t, model.Task{ObjectKey: "RELIANCE/2024_BRSR.pdf"}), nil)
	c.handle(context.Background(), &fakePublisher{}, d)

	assert.Equal(t, 1, acker.acks)
	assert.Empty(t, acker.nacks)
	assert.Equal(t, []string{model.IngestionProcessing, model.IngestionSuccess}, st.statuses)
	assert.Equal(t, int64(1), c.Counters().Succeeded)
}

func TestHandle_TransientFailureRepublishesWithIncrementedRetry(t *testing.T) {
	st := &fakeStatusStore{hasPassages: true}
	proc := &fakeProcessor{err: resilience.NewTransientError(eris.New("store down"), 0)}
	c := newTestConsumer(st, proc)
	pub := &fakePublisher{}

	d, acker := delivery(taskBody(t, model.Task{ObjectKey: "RELIANCE/2024_BRSR.pdf"}), amqp.Table{
		headerRetryCount: int32(1),
	})
	c.handle(context.Background(), pub, d)

	require.Len(t, pub.published, 1)
	assert.Equal(t, int32(2), pub.published[0].Headers[headerRetryCount])
	assert.Equal(t, uint8(amqp.Persistent), pub.published[0].DeliveryMode)
	assert.Equal(t, 1, acker.acks)
	assert.Empty(t, acker.nacks)
	assert.Contains(t, st.statuses, model.IngestionFailed)
}

func TestHandle_RetryBudgetExhaustedDeadLettersExactlyOnce(t *testing.T) {
	st := &fakeStatusStore{hasPassages: true}
	proc := &fakeProcessor{err: eris.New("persistent trouble")}
	c := newTestConsumer(st, proc)
	pub := &fakePublisher{}

	d, acker := delivery(taskBody(t, model.Task{ObjectKey: "RELIANCE/2024_BRSR.pdf"}), amqp.Table{
		headerRetryCount: int32(3), // == MaxRetries
	})
	c.handle(context.Background(), pub, d)

	assert.Empty(t, pub.published)
	assert.Equal(t, 0, acker.acks)
	require.Len(t, acker.nacks, 1)
	assert.False(t, acker.nacks[0], "dead-letter nack must not requeue")
	assert.Equal(t, int64(1), c.Counters().DeadLettered)
}

func TestHandle_PermanentFailureSkipsRetryBudget(t *testing.T) {
	st := &fakeStatusStore{hasPassages: true}
	proc := &fakeProcessor{err: eris.Wrap(pipeline.ErrCompanyNotFound, "task")}
	c := newTestConsumer(st, proc)
	pub := &fakePublisher{}

	d, acker := delivery(taskBody(t, model.Task{ObjectKey: "RELIANCE/2024_BRSR.pdf"}), nil)
	c.handle(context.Background(), pub, d)

	assert.Empty(t, pub.published, "permanent failures are never retried")
	require.Len(t, acker.nacks, 1)
	assert.False(t, acker.nacks[0])
	assert.Contains(t, st.statuses, model.IngestionFailed)
}

func TestHandle_EmbeddingsNotReadyRepublishesWithIncrementedCheck(t *testing.T) {
	st := &fakeStatusStore{hasPassages: false}
	proc := &fakeProcessor{}
	c := newTestConsumer(st, proc)
	pub := &fakePublisher{}

	d, acker := delivery(taskBody(t, model.Task{ObjectKey: "RELIANCE/2024_BRSR.pdf"}), amqp.Table{
		headerEmbeddingCheckCount: int32(4),
	})
	c.handle(context.Background(), pub, d)

	assert.Equal(t, 0, proc.calls, "pipeline must not run before embeddings exist")
	require.Len(t, pub.published, 1)
	assert.Equal(t, int32(5), pub.published[0].Headers[headerEmbeddingCheckCount])
	assert.Equal(t, 1, acker.acks)
	assert.Empty(t, acker.nacks)
}

func TestHandle_EmbeddingsNeverAppearDeadLetters(t *testing.T) {
	st := &fakeStatusStore{hasPassages: false}
	proc := &fakeProcessor{}
	c := newTestConsumer(st, proc)
	pub := &fakePublisher{}

	d, acker := delivery(taskBody(t, model.Task{ObjectKey: "RELIANCE/2024_BRSR.pdf"}), amqp.Table{
		headerEmbeddingCheckCount: int32(10), // == MaxEmbeddingChecks
	})
	c.handle(context.Background(), pub, d)

	assert.Equal(t, 0, proc.calls)
	assert.Empty(t, pub.published)
	require.Len(t, acker.nacks, 1)
	assert.False(t, acker.nacks[0])
	assert.Contains(t, st.statuses, model.IngestionFailed)
}

func TestHandle_EmbeddingWaitBudgetRequeuesExactlyMaxChecks(t *testing.T) {
	st := &fakeStatusStore{hasPassages: false}
	proc := &fakeProcessor{}
	c := newTestConsumer(st, proc)
	pub := &fakePublisher{}

	// Simulate the full life of one task whose embeddings never appear:
	// replay each republished message back into the consumer.
	headers := amqp.Table{}
	body := taskBody(t, model.Task{ObjectKey: "RELIANCE/2024_BRSR.pdf"})
	deadLettered := false
	republishes := 0

	for i := 0; i < 50 && !deadLettered; i++ {
		d, acker := delivery(body, headers)
		before := len(pub.published)
		c.handle(context.Background(), pub, d)
		if len(pub.published) > before {
			republishes++
			headers = pub.published[len(pub.published)-1].Headers
			continue
		}
		require.Len(t, acker.nacks, 1)
		assert.False(t, acker.nacks[0])
		deadLettered = true
	}

	assert.True(t, deadLettered)
	assert.Equal(t, c.cfg.MaxEmbeddingChecks, republishes)
	assert.Equal(t, 0, proc.calls)
}

func TestHandle_RepublishFailureFallsBackToBrokerRequeue(t *testing.T) {
	st := &fakeStatusStore{hasPassages: true}
	proc := &fakeProcessor{err: eris.New("flaky dependency")}
	c := newTestConsumer(st, proc)
	pub := &fakePublisher{err: eris.New("channel closed")}

	d, acker := delivery(taskBody(t, model.Task{ObjectKey: "RELIANCE/2024_BRSR.pdf"}), nil)
	c.handle(context.Background(), pub, d)

	assert.Equal(t, 0, acker.acks)
	require.Len(t, acker.nacks, 1)
	assert.True(t, acker.nacks[0], "fallback must requeue via the broker")
}

func TestCounters_ConcurrentWithHandle(t *testing.T) {
	t.Parallel()
	st := &fakeStatusStore{hasPassages: true}
	proc := &fakeProcessor{}
	c := newTestConsumer(st, proc)

	const n = 100
	body := taskBody(t, model.Task{ObjectKey: "RELIANCE/2024_BRSR.pdf"})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			d, _ := delivery(body, nil)
			c.handle(context.Background(), &fakePublisher{}, d)
		}
	}()

	// Read snapshots while the handler goroutine is writing; the race
	// detector flags any unsynchronized counter access.
	for {
		select {
		case <-done:
			assert.Equal(t, int64(n), c.Counters().Succeeded)
			return
		default:
			snap := c.Counters()
			assert.GreaterOrEqual(t, snap.Succeeded, int64(0))
		}
	}
}

func TestNextReconnectDelay(t *testing.T) {
	max := 8 * time.Second

	assert.Equal(t, 2*time.Second, nextReconnectDelay(time.Second, max))
	assert.Equal(t, 8*time.Second, nextReconnectDelay(4*time.Second, max))
	// Capped once the ladder reaches max.
	assert.Equal(t, max, nextReconnectDelay(8*time.Second, max))
}

func TestHandle_UndecodableMessageDeadLetters(t *testing.T) {
	st := &fakeStatusStore{hasPassages: true}
	proc := &fakeProcessor{}
	c := newTestConsumer(st, proc)

	d, acker := delivery("", nil)
	c.handle(context.Background(), &fakePublisher{}, d)

	assert.Equal(t, 0, proc.calls)
	require.Len(t, acker.nacks, 1)
	assert.False(t, acker.nacks[0])
}
