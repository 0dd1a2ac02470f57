package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	QueueAlerts = "jobs:alerts"

	JobTypeAlert   = "alert"
	maxJobAttempts = 3
)

// Job is the generic envelope for all async tasks.
type Job struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Attempts int             `json:"attempts"`
}

// JobHandler processes one payload. A returned error re-queues the job until
// maxJobAttempts, then moves it to the DLQ.
type JobHandler func(ctx context.Context, payload json.RawMessage) error

// Dispatcher enqueues async jobs into Redis lists.
// The worker pool dequeues them via BRPOP.
type Dispatcher struct {
	rdb *redis.Client
}

func NewDispatcher(rdb *redis.Client) *Dispatcher {
	return &Dispatcher{rdb: rdb}
}

// EnqueueAlert pushes a back-office alert to Redis.
func (d *Dispatcher) EnqueueAlert(ctx context.Context, payload AlertPayload) error {
	return d.enqueue(ctx, QueueAlerts, JobTypeAlert, payload)
}

func (d *Dispatcher) enqueue(ctx context.Context, queue, jobType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(Job{Type: jobType, Payload: data})
	if err != nil {
		return err
	}
	return d.rdb.LPush(ctx, queue, encoded).Err()
}

// Pool consumes the job queues with a fixed number of goroutines.
type Pool struct {
	rdb      *redis.Client
	handlers map[string]JobHandler
}

func NewPool(rdb *redis.Client) *Pool {
	return &Pool{rdb: rdb, handlers: map[string]JobHandler{}}
}

func (p *Pool) Handle(jobType string, h JobHandler) { p.handlers[jobType] = h }

// Start launches numWorkers goroutines. Each blocks on BRPOP, so idle workers cost nothing.
func (p *Pool) Start(ctx context.Context, numWorkers int) {
	for i := 0; i < numWorkers; i++ {
		go p.runWorker(ctx, i)
	}
	log.Info().Msgf("worker pool started with %d workers", numWorkers)
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Msgf("worker %d shutting down", id)
			return
		default:
			result, err := p.rdb.BRPop(ctx, 5*time.Second, QueueAlerts).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					log.Warn().Err(err).Int("worker", id).Msg("worker: dequeue failed")
					time.Sleep(time.Second)
				}
				continue
			}
			if len(result) < 2 {
				continue
			}
			p.process(ctx, result[0], result[1])
		}
	}
}

func (p *Pool) process(ctx context.Context, queue, raw string) {
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		log.Error().Str("queue", queue).Err(err).Msg("worker: failed to unmarshal job")
		p.park(ctx, queue, Job{Type: "unknown", Payload: json.RawMessage(`null`)}, "malformed job: "+err.Error())
		return
	}
	h, ok := p.handlers[job.Type]
	if !ok {
		p.park(ctx, queue, job, "no handler registered")
		return
	}

	job.Attempts++
	if err := h(ctx, job.Payload); err != nil {
		if job.Attempts >= maxJobAttempts {
			p.park(ctx, queue, job, err.Error())
			return
		}
		log.Warn().Err(err).Str("type", job.Type).Int("attempt", job.Attempts).Msg("worker: job failed, re-queued")
		encoded, _ := json.Marshal(job)
		if err := p.rdb.LPush(ctx, queue, encoded).Err(); err != nil {
			log.Error().Err(err).Str("queue", queue).Msg("worker: re-queue failed")
		}
		return
	}
	log.Debug().Str("type", job.Type).Str("queue", queue).Msg("worker: job done")
}
