package sshtunnel

import (
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// ErrInvalidKeyFormat means the supplied private key material is not a
// recognizable PEM-style key. Returned before any SSH handshake is attempted
// so callers get a clear error instead of a failure deep inside the dial.
var ErrInvalidKeyFormat = errors.New("invalid ssh key format")

// NormalizePrivateKey accepts SSH private key material either as raw PEM text
// or as a filesystem path, and returns clean PEM text. Line endings and
// literal `\n` escape sequences (common when keys pass through env vars or
// JSON) are normalized. Material that does not decode as a PEM block is
// rejected with ErrInvalidKeyFormat.
func NormalizePrivateKey(material string) (string, error) {
	s := strings.TrimSpace(material)
	if s == "" {
		return "", fmt.Errorf("%w: empty key material", ErrInvalidKeyFormat)
	}

	// A path rather than inline key material
	if !strings.Contains(s, "-----BEGIN") {
		data, err := os.ReadFile(s)
		if err != nil {
			return "", fmt.Errorf("%w: not PEM text and not a readable file: %v", ErrInvalidKeyFormat, err)
		}
		s = strings.TrimSpace(string(data))
	}

	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.ReplaceAll(s, `\n`, "\n")
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}

	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return "", fmt.Errorf("%w: no PEM block found", ErrInvalidKeyFormat)
	}

	return s, nil
}

// ParsePrivateKey normalizes and parses key material into an ssh.Signer.
func ParsePrivateKey(material string) (ssh.Signer, error) {
	normalized, err := NormalizePrivateKey(material)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey([]byte(normalized))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	return signer, nil
}
