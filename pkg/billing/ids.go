package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.jetify.com/typeid/v2"
)

// ID prefixes for ledger entities
const (
	PrefixSubscription = "sub"
	PrefixBillingKey   = "bkey"
)

// DefaultOrderPrefix is prepended to generated order ids
const DefaultOrderPrefix = "ESG"

// NewID generates a K-sortable entity id such as "sub_01h2xcejqtf2nbrexx3vqjhp41".
// It panics on an invalid prefix, which is a programming error.
func NewID(prefix string) string {
	tid, err := typeid.Generate(prefix)
	if err != nil {
		panic(fmt.Sprintf("billing: invalid id prefix %q: %v", prefix, err))
	}
	return tid.String()
}

// NewOrderID returns a fresh order id "<prefix>_<unix millis>_<32 hex chars>".
// Every charge attempt gets its own id; ids are never reused across retries.
func NewOrderID(prefix string, now time.Time) string {
	if prefix == "" {
		prefix = DefaultOrderPrefix
	}
	return fmt.Sprintf("%s_%d_%s", prefix, now.UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", ""))
}
