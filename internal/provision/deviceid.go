package provision

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"regexp"
	"time"
)

// Alphabet — 32 символа без визуально неоднозначных 0/O и 1/I.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	idSuffixLen   = 6
	secretLen     = 32
	maxIDAttempts = 100
)

var deviceIDRe = regexp.MustCompile(`^OM-\d{4}-[` + Alphabet + `]{6}$`)

// ValidDeviceID проверяет формат OM-{year}-{6}.
func ValidDeviceID(s string) bool { return deviceIDRe.MatchString(s) }

func newDeviceID(r io.Reader, now time.Time) (string, error) {
	buf := make([]byte, idSuffixLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	out := make([]byte, idSuffixLen)
	for i, b := range buf {
		out[i] = Alphabet[b&31] // len(Alphabet) == 32 → без смещения
	}
	return fmt.Sprintf("OM-%d-%s", now.Year(), out), nil
}

// newSecret — 32 случайных байта, base64url без паддинга.
func newSecret() (string, error) {
	b := make([]byte, secretLen)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
