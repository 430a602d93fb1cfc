//go:build integration

package firestore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/billing/billingtest"
)

const (
	testProjectID = "test-project"
	emulatorHost  = "localhost:8080"
)

func setupFirestoreClient(t *testing.T) *firestore.Client {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Setenv("FIRESTORE_EMULATOR_HOST", emulatorHost)
	}

	ctx := context.Background()
	client, err := firestore.NewClient(ctx, testProjectID)
	if err != nil {
		t.Fatalf("Failed to create Firestore client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return client
}

// testConfig returns unique collection names for each test run
func testConfig(testName string) Config {
	suffix := fmt.Sprintf("%s_%d", testName, time.Now().UnixNano())
	return Config{
		SubscriptionsCollection: "test_subs_" + suffix,
		PaymentsCollection:      "test_payments_" + suffix,
		BillingKeysCollection:   "test_keys_" + suffix,
		MetaCollection:          "test_meta_" + suffix,
	}
}

func cleanupFirestore(t *testing.T, client *firestore.Client, config Config) {
	t.Helper()
	ctx := context.Background()

	collections := []string{
		config.SubscriptionsCollection,
		config.PaymentsCollection,
		config.BillingKeysCollection,
		config.MetaCollection,
	}
	bw := client.BulkWriter(ctx)
	for _, coll := range collections {
		iter := client.Collection(coll).Documents(ctx)
		for {
			doc, err := iter.Next()
			if err != nil {
				break
			}
			_, _ = bw.Delete(doc.Ref)
		}
	}
	bw.End()
}

func newTestStorage(t *testing.T) (*firestore.Client, *Storage) {
	t.Helper()
	client := setupFirestoreClient(t)
	config := testConfig(t.Name())

	storage, err := New(client, config)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}

	// Skip when no emulator answers
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := storage.Now(ctx); err != nil {
		t.Skipf("Skipping test: Firestore emulator unavailable: %v", err)
	}

	t.Cleanup(func() { cleanupFirestore(t, client, config) })
	return client, storage
}

func TestNew(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)

	client := setupFirestoreClient(t)
	storage, err := New(client, Config{})
	require.NoError(t, err)
	assert.Equal(t, "billing_subscriptions", storage.subscriptionsCollection)
	assert.Equal(t, "billing_payments", storage.paymentsCollection)
	assert.Equal(t, "billing_keys", storage.billingKeysCollection)
	assert.Equal(t, "billing_meta", storage.metaCollection)
}

func TestFirestore_Ledger(t *testing.T) {
	billingtest.RunLedgerTests(t, func(t *testing.T) billing.Ledger {
		_, storage := newTestStorage(t)
		return storage
	})
}

func TestFirestore_ConcurrentCommits(t *testing.T) {
	_, storage := newTestStorage(t)
	ctx := context.Background()

	sub := billingtest.Subscription("sub_1", "user1", billing.PlanStarter, billingtest.Base)
	require.NoError(t, storage.CreateSubscription(ctx, sub))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := storage.CommitChargeOutcome(ctx, "sub_1", &billing.ChargeCommit{At: billingtest.Base})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := storage.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, billing.MaxFailedAttempts, got.FailedAttempts)
	assert.Equal(t, billing.StatusPaymentFailed, got.Status)
}

func TestFirestore_ListPaymentsTieBreak(t *testing.T) {
	_, storage := newTestStorage(t)
	ctx := context.Background()

	for _, id := range []string{"ESG_1", "ESG_2", "ESG_3"} {
		require.NoError(t, storage.AppendPayment(ctx, &billing.Payment{
			OrderID:   id,
			UserID:    "user1",
			Status:    billing.PaymentPending,
			CreatedAt: billingtest.Base,
		}))
	}

	list, err := storage.ListPayments(ctx, "user1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "ESG_3", list[0].OrderID)
	assert.Equal(t, "ESG_1", list[2].OrderID)
}

func TestStorage_Now(t *testing.T) {
	_, storage := newTestStorage(t)
	ctx := context.Background()

	t.Run("get server time from Firestore", func(t *testing.T) {
		serverTime, err := storage.Now(ctx)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().UTC(), serverTime, 10*time.Second)
	})

	t.Run("server time is UTC", func(t *testing.T) {
		serverTime, err := storage.Now(ctx)
		require.NoError(t, err)
		assert.Equal(t, time.UTC, serverTime.Location())
	})

	t.Run("multiple calls return consistent time", func(t *testing.T) {
		time1, err := storage.Now(ctx)
		require.NoError(t, err)

		time.Sleep(100 * time.Millisecond)

		time2, err := storage.Now(ctx)
		require.NoError(t, err)
		assert.False(t, time2.Before(time1))
	})
}
