package utils

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// RoomCodeAlphabet omits characters that are easy to confuse (0/O, 1/I).
const RoomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// RoomCodeLength is the default length of generated room codes.
const RoomCodeLength = 6

// NewRoomCode returns a random room code of n characters.
func NewRoomCode(n int) (string, error) {
	if n <= 0 {
		n = RoomCodeLength
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	var sb strings.Builder
	sb.Grow(n)
	for _, b := range buf {
		sb.WriteByte(RoomCodeAlphabet[int(b)%len(RoomCodeAlphabet)])
	}
	return sb.String(), nil
}

// NormalizeRoomCode makes user-supplied codes comparable.
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidRoomCode reports whether code only uses the room code alphabet.
func ValidRoomCode(code string) bool {
	if code == "" {
		return false
	}
	for _, r := range code {
		if !strings.ContainsRune(RoomCodeAlphabet, r) {
			return false
		}
	}
	return true
}
