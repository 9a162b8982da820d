package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"finetune-core/core/metrics"
	"finetune-core/core/models"
)

// Connect parses a redis:// URL and verifies the connection.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse Redis URL")
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}
	return client, nil
}

// RedisGateway appends scheduler commands to a Redis stream. The scheduler
// reports back through the callback stream read by CallbackConsumer.
type RedisGateway struct {
	client *redis.Client
	stream string
	log    *log.Entry
}

// NewRedisGateway creates a gateway writing commands to stream
func NewRedisGateway(client *redis.Client, stream string) *RedisGateway {
	return &RedisGateway{
		client: client,
		stream: stream,
		log:    log.WithField("component", "scheduler-gateway"),
	}
}

// Admit enqueues an admit command.
func (g *RedisGateway) Admit(ctx context.Context, req AdmissionRequest) error {
	payload, err := json.Marshal(newAdmissionPayload(req))
	if err != nil {
		return errors.Wrap(err, "encoding admission request")
	}
	return g.add(ctx, "admit", map[string]interface{}{
		"type":     "admit",
		"job_id":   req.JobID,
		"user_id":  req.OwnerID,
		"provider": req.Provider.Path(),
		"payload":  string(payload),
	})
}

// Cancel enqueues a stop command. Confirmation arrives as a STOPPED callback.
func (g *RedisGateway) Cancel(ctx context.Context, req CancelRequest) (bool, error) {
	err := g.add(ctx, "cancel", map[string]interface{}{
		"type":     "cancel",
		"job_id":   req.JobID,
		"user_id":  req.OwnerID,
		"provider": req.Provider.Path(),
	})
	return false, err
}

func (g *RedisGateway) add(ctx context.Context, kind string, values map[string]interface{}) error {
	values["enqueued_at"] = time.Now().UTC().Format(time.RFC3339)
	id, err := g.client.XAdd(ctx, &redis.XAddArgs{
		Stream: g.stream,
		Values: values,
	}).Result()
	if err != nil {
		metrics.GatewayRequest(ModeRedis, kind, "error")
		return errors.Wrapf(models.ErrSchedulerUnavailable, "%s: %v", kind, err)
	}

	metrics.GatewayRequest(ModeRedis, kind, "ok")
	g.log.WithFields(log.Fields{"job_id": values["job_id"], "message_id": id}).Debugf("enqueued %s command", kind)
	return nil
}
