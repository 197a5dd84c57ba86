package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func writeTestKey(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	path := filepath.Join(t.TempDir(), "key.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path, key
}

func TestRSAPSSSignerHeaders(t *testing.T) {
	path, key := writeTestKey(t)
	signer, err := NewRSAPSSSigner("key-id", path)
	if err != nil {
		t.Fatalf("NewRSAPSSSigner: %v", err)
	}

	now := time.Now()
	h, err := signer.SignHeaders("GET", "/trade-api/ws/v2", now)
	if err != nil {
		t.Fatalf("SignHeaders: %v", err)
	}
	if h.Get("KALSHI-ACCESS-KEY") != "key-id" {
		t.Errorf("access key header = %q", h.Get("KALSHI-ACCESS-KEY"))
	}
	ts := h.Get("KALSHI-ACCESS-TIMESTAMP")
	if ts != strconv.FormatInt(now.UnixMilli(), 10) {
		t.Errorf("timestamp header = %q", ts)
	}

	sig, err := base64.StdEncoding.DecodeString(h.Get("KALSHI-ACCESS-SIGNATURE"))
	if err != nil {
		t.Fatalf("signature not base64: %v", err)
	}
	digest := sha256.Sum256([]byte(ts + "GET" + "/trade-api/ws/v2"))
	if err := rsa.VerifyPSS(&key.PublicKey, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	}); err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
}

func TestParsePrivateKeyPKCS8(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal pkcs8: %v", err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if _, err := ParsePrivateKey(pemData); err != nil {
		t.Errorf("pkcs8 key should parse: %v", err)
	}
}

func TestParsePrivateKeyRejectsGarbage(t *testing.T) {
	if _, err := ParsePrivateKey([]byte("not a key")); err == nil {
		t.Error("garbage input should fail")
	}
}

func TestNopSigner(t *testing.T) {
	h, err := (NopSigner{}).SignHeaders("GET", "/ws/market", time.Now())
	if err != nil {
		t.Fatalf("NopSigner: %v", err)
	}
	if len(h) != 0 {
		t.Errorf("expected empty headers, got %v", h)
	}
}
