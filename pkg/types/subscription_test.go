package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gedserrors "github.com/objectfs/geds/pkg/errors"
)

func TestParseSubscriptionType(t *testing.T) {
	tests := []struct {
		code    int
		want    SubscriptionType
		wantErr bool
	}{
		{0, SubscriptionNone, false},
		{1, SubscriptionBucket, false},
		{2, SubscriptionObject, false},
		{3, SubscriptionPrefix, false},
		{4, SubscriptionNone, true},
		{-1, SubscriptionNone, true},
	}

	for _, tt := range tests {
		got, err := ParseSubscriptionType(tt.code)
		if tt.wantErr {
			require.Error(t, err, "code %d", tt.code)
			assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeInvalidArgument))
			continue
		}
		require.NoError(t, err, "code %d", tt.code)
		assert.Equal(t, tt.want, got)
	}
}

func TestSubscriptionTypeMatches(t *testing.T) {
	tests := []struct {
		name   string
		typ    SubscriptionType
		key    string
		bucket string
		evKey  string
		want   bool
	}{
		{"bucket matches any key", SubscriptionBucket, "", "b", "x/y", true},
		{"bucket rejects other bucket", SubscriptionBucket, "", "other", "x", false},
		{"object exact", SubscriptionObject, "a/b", "b", "a/b", true},
		{"object rejects sibling", SubscriptionObject, "a/b", "b", "a/bc", false},
		{"prefix", SubscriptionPrefix, "a/", "b", "a/b/c", true},
		{"prefix rejects outside", SubscriptionPrefix, "a/", "b", "ab", false},
		{"none never matches", SubscriptionNone, "", "b", "a", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.typ.Matches("b", tt.key, tt.bucket, tt.evKey))
		})
	}
}

func TestSubscriptionTypeString(t *testing.T) {
	assert.Equal(t, "prefix", SubscriptionPrefix.String())
	assert.Equal(t, "unknown", SubscriptionType(9).String())
}
