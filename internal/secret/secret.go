// Package secret generates the per-container SSH passwords.
package secret

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	// Alphabet is the symbol set passwords are drawn from.
	Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// Length is the size of a generated password.
	Length = 16
)

var alphabetSize = big.NewInt(int64(len(Alphabet)))

// Generate returns a Length-character password drawn uniformly from Alphabet
// using the operating system CSPRNG.
func Generate() (string, error) {
	return GenerateN(Length)
}

// GenerateN returns an n-character password drawn uniformly from Alphabet.
func GenerateN(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("secret length must be positive, got %d", n)
	}
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("read random source: %w", err)
		}
		buf[i] = Alphabet[idx.Int64()]
	}
	return string(buf), nil
}
