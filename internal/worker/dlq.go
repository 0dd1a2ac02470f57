package worker

// dlq.go
// Jobs that exhaust their attempts are parked in dlq:{queue}. Alert entries
// keep the settlement and exception kind they were raised for, so a parked
// mail can be traced back to its reconciliation exception.

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	DLQPrefix     = "dlq:"
	dlqMaxEntries = 1000
)

type ParkedJob struct {
	Queue         string          `json:"queue"`
	JobType       string          `json:"job_type"`
	SettlementID  string          `json:"settlement_id,omitempty"`
	ExceptionKind string          `json:"exception_kind,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Reason        string          `json:"reason"`
	Attempts      int             `json:"attempts"`
	ParkedAt      time.Time       `json:"parked_at"`
}

func newParkedJob(queue string, job Job, reason string, at time.Time) ParkedJob {
	parked := ParkedJob{
		Queue:    queue,
		JobType:  job.Type,
		Payload:  job.Payload,
		Reason:   reason,
		Attempts: job.Attempts,
		ParkedAt: at.UTC(),
	}
	if job.Type == JobTypeAlert {
		var alert AlertPayload
		if json.Unmarshal(job.Payload, &alert) == nil {
			parked.SettlementID = alert.SettlementID
			parked.ExceptionKind = alert.ExceptionKind
		}
	}
	return parked
}

// park moves a job to its queue's DLQ, keeping the newest dlqMaxEntries.
func (p *Pool) park(ctx context.Context, queue string, job Job, reason string) {
	entry := newParkedJob(queue, job, reason, time.Now())
	data, err := json.Marshal(entry)
	if err != nil {
		log.Error().Err(err).Str("queue", queue).Msg("dlq: marshal entry")
		return
	}

	key := DLQPrefix + queue
	pipe := p.rdb.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, dlqMaxEntries-1)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().Err(err).Str("dlq_key", key).Msg("dlq: push failed")
		return
	}

	log.Warn().
		Str("queue", queue).
		Str("job_type", job.Type).
		Str("settlement_id", entry.SettlementID).
		Str("exception_kind", entry.ExceptionKind).
		Str("reason", reason).
		Int("attempts", job.Attempts).
		Msg("dlq: job parked")
}

// ParkedAlerts lists up to limit parked alerts, newest first. Entries that no
// longer decode are skipped.
func ParkedAlerts(ctx context.Context, rdb *redis.Client, limit int64) ([]ParkedJob, error) {
	raw, err := rdb.LRange(ctx, DLQPrefix+QueueAlerts, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ParkedJob, 0, len(raw))
	for _, r := range raw {
		var job ParkedJob
		if err := json.Unmarshal([]byte(r), &job); err != nil {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// DLQLength is reported by the health endpoint.
func DLQLength(ctx context.Context, rdb *redis.Client, queue string) (int64, error) {
	return rdb.LLen(ctx, DLQPrefix+queue).Result()
}
