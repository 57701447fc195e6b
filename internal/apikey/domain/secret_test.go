package domain

import (
	"strings"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSecret(t *testing.T) {
	keyID := NewKeyID(snowflake.ID(1234567))
	assert.True(t, strings.HasPrefix(keyID, "key_"))

	plain, hash, err := GenerateSecret(keyID)
	require.NoError(t, err)
	assert.True(t, WellFormed(plain))
	assert.Equal(t, HashAPIKey(plain), hash)

	other, _, err := GenerateSecret(keyID)
	require.NoError(t, err)
	assert.NotEqual(t, plain, other)
}

func TestWellFormed(t *testing.T) {
	assert.False(t, WellFormed(""))
	assert.False(t, WellFormed("sk_live_abc_def"))
	assert.False(t, WellFormed(KeyPrefix+"abc"))
	assert.False(t, WellFormed(KeyPrefix+"abc_short"))
	assert.True(t, WellFormed(KeyPrefix+"abc_"+strings.Repeat("a", 64)))
}
