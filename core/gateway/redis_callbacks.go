package gateway

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"finetune-core/core/models"
)

const (
	defaultBlock       = 5 * time.Second
	defaultBatch       = 10
	defaultMaxAttempts = 5
	reclaimIdle        = time.Minute
	reclaimInterval    = 30 * time.Second
)

// CallbackHandler applies one scheduler callback.
type CallbackHandler func(ctx context.Context, cb models.StatusCallback) error

// CallbackConsumer reads scheduler callbacks from a Redis stream through a
// consumer group. Applied and permanently invalid entries are acknowledged;
// entries that failed transiently stay pending and are reclaimed later, until
// they have been delivered maxAttempts times and are moved to the dead-letter
// stream.
type CallbackConsumer struct {
	client      *redis.Client
	stream      string
	group       string
	consumer    string
	block       time.Duration
	maxAttempts int64
	handle      CallbackHandler
	log         *log.Entry
}

// NewCallbackConsumer creates a consumer of stream in group.
func NewCallbackConsumer(client *redis.Client, stream, group string, handle CallbackHandler) *CallbackConsumer {
	return &CallbackConsumer{
		client:      client,
		stream:      stream,
		group:       group,
		consumer:    "finetune-" + uuid.New().String()[:8],
		block:       defaultBlock,
		maxAttempts: defaultMaxAttempts,
		handle:      handle,
		log:         log.WithField("component", "scheduler-callbacks"),
	}
}

// DeadLetterStream is where callbacks that kept failing end up.
func (c *CallbackConsumer) DeadLetterStream() string {
	return c.stream + ":dlq"
}

// EnsureGroup creates the consumer group if it doesn't exist.
func (c *CallbackConsumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return errors.Wrap(err, "failed to create consumer group")
	}
	return nil
}

// Start consumes callbacks until ctx is cancelled.
func (c *CallbackConsumer) Start(ctx context.Context) {
	if err := c.EnsureGroup(ctx); err != nil {
		c.log.WithError(err).Error("callback consumer not started")
		return
	}
	c.log.WithFields(log.Fields{"stream": c.stream, "group": c.group}).Info("consuming scheduler callbacks")

	lastReclaim := time.Now()
	for ctx.Err() == nil {
		if _, err := c.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
			c.log.WithError(err).Warn("reading callbacks failed")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
		if time.Since(lastReclaim) >= reclaimInterval {
			if _, err := c.Reclaim(ctx); err != nil && ctx.Err() == nil {
				c.log.WithError(err).Warn("reclaiming pending callbacks failed")
			}
			lastReclaim = time.Now()
		}
	}
}

// ProcessOnce reads one batch of new entries, blocking up to the block
// timeout, and returns the number handled.
func (c *CallbackConsumer) ProcessOnce(ctx context.Context) (int, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    defaultBatch,
		Block:    c.block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, errors.Wrap(err, "failed to read from callback stream")
	}

	n := 0
	for _, s := range streams {
		for _, msg := range s.Messages {
			c.process(ctx, msg)
			n++
		}
	}
	return n, nil
}

// Reclaim takes over entries idle for longer than the reclaim window and
// processes them again.
func (c *CallbackConsumer) Reclaim(ctx context.Context) (int, error) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Idle:   reclaimIdle,
		Start:  "-",
		End:    "+",
		Count:  defaultBatch,
	}).Result()
	if err != nil {
		return 0, errors.Wrap(err, "failed to list pending callbacks")
	}

	n := 0
	for _, p := range pending {
		msgs, err := c.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   c.stream,
			Group:    c.group,
			Consumer: c.consumer,
			MinIdle:  reclaimIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			return n, errors.Wrap(err, "failed to claim pending callback")
		}
		for _, msg := range msgs {
			if p.RetryCount >= c.maxAttempts {
				c.deadLetter(ctx, msg, "max delivery attempts exceeded")
				continue
			}
			c.process(ctx, msg)
			n++
		}
	}
	return n, nil
}

func (c *CallbackConsumer) process(ctx context.Context, msg redis.XMessage) {
	entry := c.log.WithField("message_id", msg.ID)

	cb, err := parseCallback(msg)
	if err != nil {
		entry.WithError(err).Warn("dropping malformed callback")
		c.ack(ctx, msg.ID)
		return
	}
	entry = entry.WithFields(log.Fields{"job_id": cb.JobID, "status": cb.Status})

	err = c.handle(ctx, cb)
	switch {
	case err == nil:
		c.ack(ctx, msg.ID)
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrInvalidProgress),
		errors.Is(err, models.ErrNotFound),
		errors.Is(err, models.ErrInvalidArgument):
		entry.WithError(err).Warn("dropping rejected callback")
		c.ack(ctx, msg.ID)
	default:
		entry.WithError(err).Warn("callback failed, leaving it pending for redelivery")
	}
}

func (c *CallbackConsumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.stream, c.group, id).Err(); err != nil {
		c.log.WithError(err).WithField("message_id", id).Warn("failed to ack callback")
	}
}

func (c *CallbackConsumer) deadLetter(ctx context.Context, msg redis.XMessage, reason string) {
	values := make(map[string]interface{}, len(msg.Values)+3)
	for k, v := range msg.Values {
		values[k] = v
	}
	values["original_message_id"] = msg.ID
	values["reason"] = reason
	values["moved_at"] = time.Now().UTC().Format(time.RFC3339)

	if err := c.client.XAdd(ctx, &redis.XAddArgs{Stream: c.DeadLetterStream(), Values: values}).Err(); err != nil {
		c.log.WithError(err).WithField("message_id", msg.ID).Error("failed to dead-letter callback")
		return
	}
	c.log.WithField("message_id", msg.ID).Warn("moved callback to dead-letter stream")
	c.ack(ctx, msg.ID)
}

// parseCallback accepts either a JSON "payload" field or flat fields.
func parseCallback(msg redis.XMessage) (models.StatusCallback, error) {
	var cb models.StatusCallback
	if raw, ok := msg.Values["payload"].(string); ok {
		if err := json.Unmarshal([]byte(raw), &cb); err != nil {
			return cb, errors.Wrap(err, "decoding callback payload")
		}
	} else {
		cb.JobID, _ = msg.Values["job_id"].(string)
		status, _ := msg.Values["status"].(string)
		cb.Status = models.JobStatus(status)
		cb.Reason, _ = msg.Values["reason"].(string)

		var err error
		if cb.CurrentStep, err = optionalInt(msg.Values, "current_step"); err != nil {
			return cb, err
		}
		if cb.CurrentEpoch, err = optionalInt(msg.Values, "current_epoch"); err != nil {
			return cb, err
		}
		tokens, err := optionalInt64(msg.Values, "num_tokens")
		if err != nil {
			return cb, err
		}
		cb.NumTokens = tokens
	}

	cb.Status = models.JobStatus(strings.ToUpper(string(cb.Status)))
	if cb.JobID == "" {
		return cb, errors.New("callback without job_id")
	}
	if !cb.Status.Valid() {
		return cb, errors.Errorf("callback with unknown status %q", cb.Status)
	}
	return cb, nil
}

func optionalInt(values map[string]interface{}, key string) (*int, error) {
	v, err := optionalInt64(values, key)
	if err != nil || v == nil {
		return nil, err
	}
	i := int(*v)
	return &i, nil
}

func optionalInt64(values map[string]interface{}, key string) (*int64, error) {
	raw, ok := values[key].(string)
	if !ok || raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", key)
	}
	return &v, nil
}
