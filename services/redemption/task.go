package redemption

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"getonblockchain/pkg/taskname"
)

func NewCleanupTask() *asynq.Task {
	return asynq.NewTask(taskname.RedemptionCleanupExpired, nil,
		asynq.Queue("critical"),
		asynq.MaxRetry(1),
	)
}

func NewConfirmedTask(p ConfirmedPayload) (*asynq.Task, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.RedemptionConfirmed, b,
		asynq.Queue("default"),
		asynq.MaxRetry(5),
	), nil
}

// publishConfirmed enqueues event fan-out after commit. It never fails the
// confirmation; the Event row remains the source of truth.
func (s *Service) publishConfirmed(ctx context.Context, log *zap.Logger, out *confirmOutcome) {
	if s.enqueuer == nil || out.eventID == "" {
		return
	}

	t, err := NewConfirmedTask(ConfirmedPayload{
		EventID:      out.eventID,
		RedemptionID: out.result.RedemptionID,
		MerchantID:   out.merchantID,
	})
	if err != nil {
		log.Warn("failed to build confirmed task", zap.Error(err))
		return
	}

	if _, err := s.enqueuer.Enqueue(context.WithoutCancel(ctx), t, asynq.TaskID(out.eventID)); err != nil {
		log.Warn("failed to enqueue confirmed event", zap.String("event_id", out.eventID), zap.Error(err))
	}
}

// dispatchConfirmed is the worker side of publishConfirmed.
func (s *Service) dispatchConfirmed(ctx context.Context, p ConfirmedPayload) error {
	evt, err := s.store.findEvent(ctx, p.EventID)
	if err != nil {
		return fmt.Errorf("find event %s: %w", p.EventID, err)
	}
	if evt == nil {
		return fmt.Errorf("event %s not found: %w", p.EventID, asynq.SkipRetry)
	}

	zap.L().Info("redemption confirmed event dispatched",
		zap.String("event_id", evt.ID),
		zap.String("event_type", evt.Type),
		zap.String("redemption_id", evt.EntityID),
		zap.String("merchant_id", evt.MerchantID),
		zap.String("member_id", evt.MemberID),
	)
	s.metrics.eventDispatched()
	return nil
}

type Task struct {
	svc *Service
}

func NewTask(svc *Service) *Task {
	return &Task{svc: svc}
}

func (t *Task) HandleCleanupExpired(ctx context.Context, task *asynq.Task) error {
	zapLog := zap.L().With(zap.String("task_type", task.Type()))

	n, err := t.svc.CleanupExpiredRedemptions(ctx)
	if err != nil {
		zapLog.Error("redemption sweep failed", zap.Error(err))
		return err
	}

	zapLog.Debug("redemption sweep finished", zap.Int64("expired", n))
	return nil
}

func (t *Task) HandleConfirmed(ctx context.Context, task *asynq.Task) error {
	var payload ConfirmedPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}

	zapLog := zap.L().With(
		zap.String("task_type", task.Type()),
		zap.String("event_id", payload.EventID),
		zap.String("redemption_id", payload.RedemptionID),
	)

	if err := t.svc.dispatchConfirmed(ctx, payload); err != nil {
		if errors.Is(err, asynq.SkipRetry) {
			zapLog.Warn("dropping confirmed event", zap.Error(err))
		} else {
			zapLog.Error("failed to dispatch confirmed event", zap.Error(err))
		}
		return err
	}
	return nil
}
