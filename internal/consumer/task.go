package consumer

import (
	"encoding/json"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rotisserie/eris"

	"github.com/sells-group/esg-worker/internal/model"
)

// Message headers carrying retry bookkeeping. Counters are republished
// explicitly with the message rather than mutated in place, so the count
// survives broker redelivery.
const (
	headerRetryCount          = "x-retry-count"
	headerEmbeddingCheckCount = "x-embedding-check-count"
)

// decodeTask parses a queue delivery into a Task. The body is a JSON object;
// a bare object-key string is accepted for backward compatibility with older
// producers.
func decodeTask(d amqp.Delivery) (model.Task, error) {
	var task model.Task
	body := strings.TrimSpace(string(d.Body))
	if body == "" {
		return task, eris.New("consumer: empty task body")
	}

	if strings.HasPrefix(body, "{") {
		if err := json.Unmarshal(d.Body, &task); err != nil {
			return task, eris.Wrap(err, "consumer: decode task")
		}
	} else {
		// Legacy producers publish the bare object key, optionally quoted.
		task.ObjectKey = strings.Trim(body, `"`)
	}

	if task.ObjectKey == "" {
		return task, eris.New("consumer: task has no object key")
	}

	task.RetryCount = headerInt(d.Headers, headerRetryCount)
	task.EmbeddingCheckCount = headerInt(d.Headers, headerEmbeddingCheckCount)
	return task, nil
}

// headerInt reads an integer header, tolerating the numeric types AMQP
// clients encode (int32 on the wire, int/int64 from Go publishers).
func headerInt(headers amqp.Table, key string) int {
	if headers == nil {
		return 0
	}
	switch v := headers[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
