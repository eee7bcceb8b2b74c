package password

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHashAndVerify(t *testing.T) {
	hasher := NewHasher(bcrypt.MinCost)

	hash, err := hasher.Hash("password123")
	require.NoError(t, err)
	assert.Len(t, hash, 60)

	assert.True(t, hasher.Verify("password123", hash))
	assert.False(t, hasher.Verify("password124", hash))
}

func TestHashUsesFreshSalt(t *testing.T) {
	hasher := NewHasher(bcrypt.MinCost)

	first, err := hasher.Hash("password123")
	require.NoError(t, err)
	second, err := hasher.Hash("password123")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestVerifyTreatsMalformedHashAsMismatch(t *testing.T) {
	hasher := NewHasher(bcrypt.MinCost)

	for _, hash := range []string{"", "not-a-hash", "$2a$10$short"} {
		assert.False(t, hasher.Verify("password123", hash), hash)
	}
}

func TestNewHasherFallsBackToDefaultCost(t *testing.T) {
	hasher := NewHasher(0)
	assert.Equal(t, Cost, hasher.cost)

	hash, err := hasher.Hash("password123")
	require.NoError(t, err)

	cost, err := bcrypt.Cost([]byte(hash))
	require.NoError(t, err)
	assert.Equal(t, Cost, cost)
}
