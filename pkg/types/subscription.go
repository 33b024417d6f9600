package types

import (
	"strings"

	gedserrors "github.com/objectfs/geds/pkg/errors"
)

// SubscriptionType selects which events a subscription receives. The numeric
// values are part of the wire protocol.
type SubscriptionType int

const (
	SubscriptionNone   SubscriptionType = 0
	SubscriptionBucket SubscriptionType = 1
	SubscriptionObject SubscriptionType = 2
	SubscriptionPrefix SubscriptionType = 3
)

// ParseSubscriptionType converts a wire code into a SubscriptionType.
func ParseSubscriptionType(code int) (SubscriptionType, error) {
	switch t := SubscriptionType(code); t {
	case SubscriptionNone, SubscriptionBucket, SubscriptionObject, SubscriptionPrefix:
		return t, nil
	default:
		return SubscriptionNone, gedserrors.InvalidArgument("unknown subscription type %d", code)
	}
}

func (t SubscriptionType) String() string {
	switch t {
	case SubscriptionNone:
		return "none"
	case SubscriptionBucket:
		return "bucket"
	case SubscriptionObject:
		return "object"
	case SubscriptionPrefix:
		return "prefix"
	default:
		return "unknown"
	}
}

// Matches reports whether an event on (eventBucket, eventKey) is covered by a
// subscription of type t on (bucket, key).
func (t SubscriptionType) Matches(bucket, key, eventBucket, eventKey string) bool {
	if bucket != eventBucket {
		return false
	}
	switch t {
	case SubscriptionBucket:
		return true
	case SubscriptionObject:
		return key == eventKey
	case SubscriptionPrefix:
		return strings.HasPrefix(eventKey, key)
	default:
		return false
	}
}
