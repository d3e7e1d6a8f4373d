package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const machineTokenPrefix = "rm_"

// GenerateMachineToken creates a new machine token and returns it with its id.
// Format: rm_<uuid>_<random_secret>
func GenerateMachineToken() (token string, id uuid.UUID, err error) {
	id = uuid.New()

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", uuid.Nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	secret := hex.EncodeToString(secretBytes)

	return fmt.Sprintf("%s%s_%s", machineTokenPrefix, id.String(), secret), id, nil
}

// ParseMachineToken splits a token into its id and secret.
func ParseMachineToken(token string) (uuid.UUID, string, bool) {
	if !strings.HasPrefix(token, machineTokenPrefix) {
		return uuid.Nil, "", false
	}
	rest := token[len(machineTokenPrefix):]
	if len(rest) < 36+1+64 || rest[36] != '_' {
		return uuid.Nil, "", false
	}
	id, err := uuid.Parse(rest[:36])
	if err != nil {
		return uuid.Nil, "", false
	}
	return id, rest[37:], true
}
