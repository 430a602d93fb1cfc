package billing

import "context"

// Notifier informs users about the result of recurring charges.
// Calls are fire-and-forget: a returned error is logged and never changes
// the charge outcome.
type Notifier interface {
	NotifyChargeSucceeded(ctx context.Context, userID string, amount int64) error
	NotifyChargeFailed(ctx context.Context, userID string) error
}

// NoopNotifier drops all notifications.
type NoopNotifier struct{}

func (NoopNotifier) NotifyChargeSucceeded(context.Context, string, int64) error { return nil }
func (NoopNotifier) NotifyChargeFailed(context.Context, string) error          { return nil }

// LogNotifier writes notifications to a Logger. Useful when no delivery
// channel is configured.
type LogNotifier struct {
	Logger Logger
}

func (n *LogNotifier) NotifyChargeSucceeded(_ context.Context, userID string, amount int64) error {
	n.Logger.Info("charge succeeded notification",
		Field{Key: "user_id", Value: userID},
		Field{Key: "amount", Value: amount})
	return nil
}

func (n *LogNotifier) NotifyChargeFailed(_ context.Context, userID string) error {
	n.Logger.Warn("charge failed notification", Field{Key: "user_id", Value: userID})
	return nil
}
