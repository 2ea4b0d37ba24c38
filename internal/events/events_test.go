package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"referral-rewards-api/internal/models"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	m := NewManager(true, nil)

	var calls atomic.Int32
	var gotRule atomic.Value
	m.Subscribe(EventRewardGranted, func(ctx context.Context, e Event) error {
		calls.Add(1)
		gotRule.Store(e.Data.(RewardGrantedData).RuleID)
		return nil
	})
	m.Subscribe(EventRewardGranted, func(ctx context.Context, e Event) error {
		calls.Add(1)
		return errors.New("handler failure is only logged")
	})
	m.Subscribe(EventRewardDenied, func(ctx context.Context, e Event) error {
		t.Errorf("denied handler should not run")
		return nil
	})

	m.Publish(context.Background(), EventRewardGranted, RewardGrantedData{
		RuleID:      "rule-1",
		Transaction: models.Transaction{ID: "tx-1", Amount: 100},
	})
	m.Wait()

	if calls.Load() != 2 {
		t.Errorf("expected 2 handler calls, got %d", calls.Load())
	}
	if gotRule.Load() != "rule-1" {
		t.Errorf("expected rule-1, got %v", gotRule.Load())
	}
}

func TestPublishSurvivesCallerCancellation(t *testing.T) {
	m := NewManager(true, nil)

	var sawCancel atomic.Bool
	m.Subscribe(EventProcessed, func(ctx context.Context, e Event) error {
		sawCancel.Store(ctx.Err() != nil)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.Publish(ctx, EventProcessed, ProcessedData{})
	m.Wait()

	if sawCancel.Load() {
		t.Errorf("handler context should not inherit the caller's cancellation")
	}
}

func TestDisabledManagerDropsEvents(t *testing.T) {
	m := NewManager(false, nil)

	m.Subscribe(EventProcessed, func(ctx context.Context, e Event) error {
		t.Errorf("handler should not run when disabled")
		return nil
	})
	m.Publish(context.Background(), EventProcessed, nil)
	m.Wait()
}

func TestShutdownStopsDelivery(t *testing.T) {
	m := NewManager(true, nil)

	var calls atomic.Int32
	m.Subscribe(EventTransactionVerified, func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})
	m.Shutdown()
	m.Publish(context.Background(), EventTransactionVerified, TransactionData{})
	m.Wait()

	if calls.Load() != 0 {
		t.Errorf("expected no calls after shutdown, got %d", calls.Load())
	}
}
