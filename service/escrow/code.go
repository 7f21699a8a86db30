package escrow

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/dchest/uniuri"
)

// codeAlphabet is the character set for claim codes. Alphanumeric upper case
// only: codes are read aloud and typed by humans.
const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// DefaultCodeLength is the claim code length used when none is configured.
const DefaultCodeLength = 6

// CodeIssuer mints one-time claim codes. The plaintext is returned exactly
// once at issuance; only the hashed form is ever persisted. Codes are scoped
// to a (digest, recipient) pair, so duplicate plaintexts across slots are
// acceptable.
type CodeIssuer struct {
	length int
}

// NewCodeIssuer creates a CodeIssuer producing codes of the given length.
// Non-positive lengths fall back to DefaultCodeLength.
func NewCodeIssuer(length int) *CodeIssuer {
	if length <= 0 {
		length = DefaultCodeLength
	}
	return &CodeIssuer{length: length}
}

// Issue returns the stored hash and the one-time plaintext of a fresh code.
func (ci *CodeIssuer) Issue() (hash, plain string) {
	plain = uniuri.NewLenChars(ci.length, []byte(codeAlphabet))
	return HashCode(plain), plain
}

// HashCode derives the stored form of a plaintext code. SHA-256 hex: one-way,
// fixed length, cheap to compare.
func HashCode(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// VerifyCode reports whether candidate matches the stored hash. The
// comparison runs over the hashes in constant time.
func VerifyCode(storedHash, candidate string) bool {
	candidateHash := HashCode(candidate)
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(candidateHash)) == 1
}
