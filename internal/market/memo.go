package market

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// DefaultMemoLength yields six random bytes per memo.
const DefaultMemoLength = 8

// NewMemo returns a URL-safe random memo of the given length.
func NewMemo(length int) (string, error) {
	if length <= 0 {
		length = DefaultMemoLength
	}
	buf := make([]byte, (length*3+3)/4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate memo: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)[:length], nil
}
