package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateToken(t *testing.T) {
	token, err := GenerateToken(48)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	other, err := GenerateToken(48)
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}

func TestRandomCodeUsesUnambiguousAlphabet(t *testing.T) {
	code, err := RandomCode(8)
	require.NoError(t, err)
	require.Len(t, code, 8)

	for _, r := range code {
		assert.Contains(t, CodeAlphabet, string(r))
	}

	for _, forbidden := range []string{"0", "O", "1", "I", "L"} {
		assert.NotContains(t, code, forbidden)
	}
}

func TestLicenseKeyFormat(t *testing.T) {
	key, err := LicenseKey()
	require.NoError(t, err)

	parts := strings.Split(key, "-")
	require.Len(t, parts, 5)
	assert.Equal(t, "MER", parts[0])
	for _, group := range parts[1:] {
		assert.Len(t, group, 4)
	}
}
