package engine

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"fieldops-backend/internal/metadata"
)

// hashFields replaces plaintext values of the entity's hashed fields with
// bcrypt hashes. Values that already look like bcrypt hashes are kept.
func hashFields(entity *metadata.Entity, data map[string]any) error {
	for _, f := range entity.HashedFields {
		v, ok := data[f].(string)
		if !ok || v == "" || isBcryptHash(v) {
			continue
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(v), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash %s: %w", f, err)
		}
		data[f] = string(hash)
	}
	return nil
}

func isBcryptHash(s string) bool {
	if len(s) != 60 {
		return false
	}
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}
