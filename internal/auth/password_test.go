package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("Correct1Horse")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$"))

	ok, err := VerifyPassword("Correct1Horse", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword("Wrong1Horse", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyMalformedHash(t *testing.T) {
	for _, encoded := range []string{
		"",
		"plaintext",
		"$bcrypt$v=19$m=65536,t=3,p=2$c2FsdA$aGFzaA",
		"$argon2id$v=18$m=65536,t=3,p=2$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=65536,t=3,p=2$!!!$aGFzaA",
	} {
		_, err := VerifyPassword("whatever", encoded)
		assert.ErrorIs(t, err, ErrMalformedHash, encoded)
	}
}

func TestDummyHashDecodes(t *testing.T) {
	// The sign-in path verifies against this hash for unknown identifiers;
	// it must parse without error.
	ok, err := VerifyPassword("anything", dummyHash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPasswordPolicy(t *testing.T) {
	assert.NoError(t, checkPasswordPolicy("Abcdef12"))
	for _, pw := range []string{"Ab1", "alllower1", "ALLUPPER1", "NoDigitsHere"} {
		assert.ErrorIs(t, checkPasswordPolicy(pw), ErrWeakPassword, pw)
	}
}
