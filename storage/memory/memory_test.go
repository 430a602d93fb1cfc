package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/billing/billingtest"
)

func TestStorage_Ledger(t *testing.T) {
	billingtest.RunLedgerTests(t, func(t *testing.T) billing.Ledger {
		return New()
	})
}

func TestStorage_ReturnsCopies(t *testing.T) {
	storage := New()
	ctx := context.Background()

	sub := billingtest.Subscription("sub_1", "user1", billing.PlanStarter, billingtest.Base)
	if err := storage.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}

	// Mutating the caller's value must not leak into storage
	sub.Status = billing.StatusCancelled

	got, err := storage.GetSubscription(ctx, "sub_1")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if got.Status != billing.StatusActive {
		t.Errorf("Expected stored status active, got %s", got.Status)
	}

	got.FailedAttempts = 99
	again, _ := storage.GetSubscription(ctx, "sub_1")
	if again.FailedAttempts != 0 {
		t.Errorf("Expected stored failed attempts 0, got %d", again.FailedAttempts)
	}
}

func TestStorage_ConcurrentCommits(t *testing.T) {
	storage := New()
	ctx := context.Background()

	sub := billingtest.Subscription("sub_1", "user1", billing.PlanStarter, billingtest.Base)
	if err := storage.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := storage.CommitChargeOutcome(ctx, "sub_1", &billing.ChargeCommit{At: time.Now().UTC()})
			if err != nil {
				t.Errorf("CommitChargeOutcome failed: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := storage.GetSubscription(ctx, "sub_1")
	if got.FailedAttempts != billing.MaxFailedAttempts {
		t.Errorf("Expected failed attempts capped at %d, got %d", billing.MaxFailedAttempts, got.FailedAttempts)
	}
	if got.Status != billing.StatusPaymentFailed {
		t.Errorf("Expected status payment_failed, got %s", got.Status)
	}
}

func TestStorage_ListPaymentsTieBreak(t *testing.T) {
	storage := New()
	ctx := context.Background()

	// Same timestamp: insertion order decides, newest first
	for _, id := range []string{"ESG_1", "ESG_2", "ESG_3"} {
		err := storage.AppendPayment(ctx, &billing.Payment{
			OrderID:   id,
			UserID:    "user1",
			Status:    billing.PaymentPending,
			CreatedAt: billingtest.Base,
		})
		if err != nil {
			t.Fatalf("AppendPayment failed: %v", err)
		}
	}

	list, err := storage.ListPayments(ctx, "user1")
	if err != nil {
		t.Fatalf("ListPayments failed: %v", err)
	}
	if len(list) != 3 || list[0].OrderID != "ESG_3" || list[2].OrderID != "ESG_1" {
		t.Errorf("Unexpected order: %v", []string{list[0].OrderID, list[1].OrderID, list[2].OrderID})
	}
}

func TestStorage_Clear(t *testing.T) {
	storage := New()
	ctx := context.Background()

	_ = storage.CreateSubscription(ctx, billingtest.Subscription("sub_1", "user1", billing.PlanStarter, billingtest.Base))
	_ = storage.SaveBillingKey(ctx, &billing.BillingKey{UserID: "user1", Token: "bk"})
	_ = storage.AppendPayment(ctx, &billing.Payment{OrderID: "ESG_1", UserID: "user1", PaymentKey: "pk"})

	storage.Clear()

	if _, err := storage.GetSubscription(ctx, "sub_1"); err != billing.ErrSubscriptionNotFound {
		t.Errorf("Expected ErrSubscriptionNotFound after Clear, got %v", err)
	}
	if _, err := storage.FindBillingKey(ctx, "user1"); err != billing.ErrBillingKeyNotFound {
		t.Errorf("Expected ErrBillingKeyNotFound after Clear, got %v", err)
	}
	if _, err := storage.GetPaymentByKey(ctx, "pk"); err != billing.ErrPaymentNotFound {
		t.Errorf("Expected ErrPaymentNotFound after Clear, got %v", err)
	}
}
