package utils

import (
	"crypto/rand"
	"fmt"
)

const base34Table = "0123456789ABCDEFGHJKLMNPQRSTUVWXYZ" // base34 table
const tableLen = byte(len(base34Table))

// RandBase34 generates a random base34 string of the given length, using a
// table that drops the visually-ambiguous 'I' and 'O'. storage.LocalBackend
// uses it to name each WriteFile call's write-then-rename temp file, so two
// concurrent writes to the same destination never collide on the same
// intermediate file.
func RandBase34(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("invalid length: %d", length)
	}

	randBytes := make([]byte, length)
	if _, err := rand.Read(randBytes); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	for i := range randBytes {
		randBytes[i] = base34Table[randBytes[i]%tableLen]
	}

	return string(randBytes), nil
}
