package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
)

// CodeAlphabet is the unambiguous alphabet used for referral codes and
// license keys. It excludes 0/O, 1/I and L so codes survive being read aloud
// or retyped from a screenshot.
const CodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// GenerateToken returns a random URL-safe token of the requested byte length.
func GenerateToken(length int) (string, error) {
	buffer := make([]byte, length)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}

// RandomCode returns a random string of the given length drawn from
// CodeAlphabet using crypto/rand.
func RandomCode(length int) (string, error) {
	var sb strings.Builder
	sb.Grow(length)

	max := big.NewInt(int64(len(CodeAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		sb.WriteByte(CodeAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// LicenseKey mints a product key of the form MER-XXXX-XXXX-XXXX-XXXX.
func LicenseKey() (string, error) {
	groups := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		group, err := RandomCode(4)
		if err != nil {
			return "", err
		}
		groups = append(groups, group)
	}
	return fmt.Sprintf("MER-%s", strings.Join(groups, "-")), nil
}
