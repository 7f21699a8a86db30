package escrow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeIssuer_Issue(t *testing.T) {
	issuer := NewCodeIssuer(6)

	hash, plain := issuer.Issue()
	require.Len(t, plain, 6)
	for _, r := range plain {
		assert.Contains(t, codeAlphabet, string(r))
	}

	// The stored form is a one-way derivation, never the plaintext.
	assert.NotEqual(t, plain, hash)
	assert.Len(t, hash, 64) // sha256 hex
	assert.Equal(t, HashCode(plain), hash)
}

func TestCodeIssuer_DefaultLength(t *testing.T) {
	issuer := NewCodeIssuer(0)
	_, plain := issuer.Issue()
	assert.Len(t, plain, DefaultCodeLength)
}

func TestVerifyCode(t *testing.T) {
	issuer := NewCodeIssuer(6)
	hash, plain := issuer.Issue()

	tests := []struct {
		name      string
		candidate string
		want      bool
	}{
		{"correct code", plain, true},
		{"empty string", "", false},
		{"wrong code same length", "AAAAAA", false},
		{"wrong code different length", "AAA", false},
		{"stored hash itself", hash, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.candidate == plain && tt.name != "correct code" {
				t.Skip("random collision with issued code")
			}
			assert.Equal(t, tt.want, VerifyCode(hash, tt.candidate))
		})
	}
}

func TestVerifyCode_RepeatedMismatchesDoNotInvalidate(t *testing.T) {
	hash, plain := NewCodeIssuer(6).Issue()

	for i := 0; i < 3; i++ {
		assert.False(t, VerifyCode(hash, "WRONG1"))
	}
	assert.True(t, VerifyCode(hash, plain))
}
