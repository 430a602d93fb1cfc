package billing

// Field represents a structured log field.
type Field struct {
	Key   string
	Value interface{}
}

// Logger defines the interface for structured logging.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// NoopLogger discards everything.
type NoopLogger struct{}

func (n *NoopLogger) Debug(msg string, fields ...Field) {}
func (n *NoopLogger) Info(msg string, fields ...Field)  {}
func (n *NoopLogger) Warn(msg string, fields ...Field)  {}
func (n *NoopLogger) Error(msg string, fields ...Field) {}

func subscriptionFields(sub *Subscription) []Field {
	return []Field{
		{Key: "subscription_id", Value: sub.ID},
		{Key: "user_id", Value: sub.UserID},
		{Key: "plan", Value: string(sub.Plan)},
	}
}

func errField(err error) Field {
	return Field{Key: "error", Value: err}
}
