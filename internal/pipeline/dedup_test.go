package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint_KnownVector(t *testing.T) {
	// SHA-256 of the empty input.
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		Fingerprint(nil))
}

func TestFingerprint_ContentOnly(t *testing.T) {
	a := Fingerprint([]byte("quarterly report"))
	b := Fingerprint([]byte("quarterly report"))
	c := Fingerprint([]byte("quarterly report "))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
