package decay

import (
	"context"

	"go.uber.org/zap"
)

// NoopNotifier logs notifications instead of delivering them.
// Use in development or when no decay engine is configured.
type NoopNotifier struct {
	logger *zap.Logger
}

// NewNoopNotifier creates a NoopNotifier backed by the given logger.
func NewNoopNotifier(logger *zap.Logger) *NoopNotifier {
	return &NoopNotifier{logger: logger}
}

// RegisterEvent implements Notifier.
func (n *NoopNotifier) RegisterEvent(_ context.Context, entityID, eventType, severity string, _ map[string]any) error {
	n.logger.Info("decay event (noop, not delivered)",
		zap.String("entity_id", entityID),
		zap.String("event_type", eventType),
		zap.String("severity", severity),
	)
	return nil
}

// RegisterAttestationEvent implements Notifier.
func (n *NoopNotifier) RegisterAttestationEvent(_ context.Context, subjectID, attestationID, attestationType string, trustImpact float64) error {
	n.logger.Info("decay attestation event (noop, not delivered)",
		zap.String("subject_id", subjectID),
		zap.String("attestation_id", attestationID),
		zap.String("attestation_type", attestationType),
		zap.Float64("trust_impact", trustImpact),
	)
	return nil
}
