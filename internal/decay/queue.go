package decay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Task types consumed by the Trust Decay Engine workers.
const (
	TypeRegisterEvent       = "decay:register_event"
	TypeRegisterAttestation = "decay:register_attestation"
)

// RegisterEventPayload is the task body for TypeRegisterEvent.
type RegisterEventPayload struct {
	EntityID  string         `json:"entity_id"`
	EventType string         `json:"event_type"`
	Severity  string         `json:"severity"`
	Context   map[string]any `json:"context,omitempty"`
}

// RegisterAttestationPayload is the task body for TypeRegisterAttestation.
type RegisterAttestationPayload struct {
	SubjectID       string  `json:"subject_id"`
	AttestationID   string  `json:"attestation_id"`
	AttestationType string  `json:"attestation_type"`
	TrustImpact     float64 `json:"trust_impact"`
}

// enqueuer is the subset of *asynq.Client used by QueuePublisher.
type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueuePublisher delivers notifications as asynq tasks on a Redis-backed queue
// drained by the decay engine.
type QueuePublisher struct {
	client enqueuer
	queue  string
	logger *zap.Logger
}

// NewQueuePublisher creates a QueuePublisher connected to the Redis at addr.
func NewQueuePublisher(addr, password string, db int, queue string, logger *zap.Logger) *QueuePublisher {
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: addr, Password: password, DB: db})
	return newQueuePublisher(client, queue, logger)
}

func newQueuePublisher(client enqueuer, queue string, logger *zap.Logger) *QueuePublisher {
	if queue == "" {
		queue = "decay"
	}
	return &QueuePublisher{client: client, queue: queue, logger: logger}
}

// RegisterEvent implements Notifier.
func (p *QueuePublisher) RegisterEvent(ctx context.Context, entityID, eventType, severity string, details map[string]any) error {
	return p.enqueue(ctx, TypeRegisterEvent, RegisterEventPayload{
		EntityID:  entityID,
		EventType: eventType,
		Severity:  severity,
		Context:   details,
	})
}

// RegisterAttestationEvent implements Notifier.
func (p *QueuePublisher) RegisterAttestationEvent(ctx context.Context, subjectID, attestationID, attestationType string, trustImpact float64) error {
	return p.enqueue(ctx, TypeRegisterAttestation, RegisterAttestationPayload{
		SubjectID:       subjectID,
		AttestationID:   attestationID,
		AttestationType: attestationType,
		TrustImpact:     trustImpact,
	})
}

func (p *QueuePublisher) enqueue(ctx context.Context, taskType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", taskType, err)
	}
	info, err := p.client.EnqueueContext(ctx, asynq.NewTask(taskType, body), asynq.Queue(p.queue), asynq.MaxRetry(5))
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	p.logger.Debug("decay task enqueued", zap.String("type", taskType), zap.String("task_id", info.ID))
	return nil
}

// Close releases the Redis connection.
func (p *QueuePublisher) Close() error {
	if c, ok := p.client.(*asynq.Client); ok {
		return c.Close()
	}
	return nil
}
