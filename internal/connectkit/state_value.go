package connectkit

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/google/uuid"
)

const stateValueByteLength = 32

var stateValueRandomSource io.Reader = rand.Reader

func generateStateValue(source io.Reader) (string, error) {
	if source == nil {
		source = stateValueRandomSource
	}
	randomBytes := make([]byte, stateValueByteLength)
	if _, err := io.ReadFull(source, randomBytes); err != nil {
		return "", fmt.Errorf("state_tokens.random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(randomBytes), nil
}

func newRecordID() string {
	return uuid.NewString()
}
