package decay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (s *stubEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.tasks = append(s.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Type: task.Type()}, nil
}

func TestQueuePublisher_registerEvent(t *testing.T) {
	stub := &stubEnqueuer{}
	p := newQueuePublisher(stub, "", zap.NewNop())

	err := p.RegisterEvent(context.Background(), "entity-A", "SECURITY_EVENT", "HIGH", map[string]any{"event_id": "ev-1"})
	require.NoError(t, err)
	require.Len(t, stub.tasks, 1)
	assert.Equal(t, TypeRegisterEvent, stub.tasks[0].Type())

	var got RegisterEventPayload
	require.NoError(t, json.Unmarshal(stub.tasks[0].Payload(), &got))
	assert.Equal(t, "entity-A", got.EntityID)
	assert.Equal(t, "HIGH", got.Severity)
	assert.Equal(t, "ev-1", got.Context["event_id"])
	assert.Equal(t, "decay", p.queue)
}

func TestQueuePublisher_registerAttestation(t *testing.T) {
	stub := &stubEnqueuer{}
	p := newQueuePublisher(stub, "trust", zap.NewNop())

	require.NoError(t, p.RegisterAttestationEvent(context.Background(), "entity-A", "att-1", "identity", -0.25))
	require.Len(t, stub.tasks, 1)
	assert.Equal(t, TypeRegisterAttestation, stub.tasks[0].Type())

	var got RegisterAttestationPayload
	require.NoError(t, json.Unmarshal(stub.tasks[0].Payload(), &got))
	assert.Equal(t, RegisterAttestationPayload{
		SubjectID: "entity-A", AttestationID: "att-1", AttestationType: "identity", TrustImpact: -0.25,
	}, got)
}

func TestQueuePublisher_enqueueError(t *testing.T) {
	boom := errors.New("redis unavailable")
	p := newQueuePublisher(&stubEnqueuer{err: boom}, "decay", zap.NewNop())

	err := p.RegisterEvent(context.Background(), "entity-A", "CLAIM_REJECTED", "INFO", nil)
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, p.Close())
}
