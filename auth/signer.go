package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"
)

// RequestSigner produces the authentication headers for a venue handshake.
// Venues that need no authentication use NopSigner.
type RequestSigner interface {
	SignHeaders(method, path string, now time.Time) (http.Header, error)
}

// NopSigner returns empty headers for unauthenticated venues.
type NopSigner struct{}

func (NopSigner) SignHeaders(string, string, time.Time) (http.Header, error) {
	return http.Header{}, nil
}

// RSAPSSSigner signs handshake requests with RSA-PSS over SHA-256. The
// signed payload is the millisecond timestamp concatenated with the HTTP
// method and request path.
type RSAPSSSigner struct {
	apiKeyID string
	key      *rsa.PrivateKey
}

// NewRSAPSSSigner loads a PEM encoded RSA private key from file. Both
// PKCS#1 and PKCS#8 encodings are accepted.
func NewRSAPSSSigner(apiKeyID, keyFile string) (*RSAPSSSigner, error) {
	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	}
	key, err := ParsePrivateKey(data)
	if err != nil {
		return nil, err
	}
	return &RSAPSSSigner{apiKeyID: apiKeyID, key: key}, nil
}

// ParsePrivateKey decodes a PEM encoded RSA private key.
func ParsePrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return key, nil
}

func (s *RSAPSSSigner) SignHeaders(method, path string, now time.Time) (http.Header, error) {
	timestamp := strconv.FormatInt(now.UnixMilli(), 10)
	digest := sha256.Sum256([]byte(timestamp + method + path))

	sig, err := rsa.SignPSS(rand.Reader, s.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	h := http.Header{}
	h.Set("KALSHI-ACCESS-KEY", s.apiKeyID)
	h.Set("KALSHI-ACCESS-SIGNATURE", base64.StdEncoding.EncodeToString(sig))
	h.Set("KALSHI-ACCESS-TIMESTAMP", timestamp)
	return h, nil
}
