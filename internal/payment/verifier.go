// Package payment authenticates and normalizes payment gateway webhooks.
package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// GatewayKind selects the signature scheme a gateway uses for its webhooks.
type GatewayKind string

const (
	KindHMACSHA256       GatewayKind = "hmac_sha256"
	KindStructuredHeader GatewayKind = "structured_header"
)

// Verifier checks a webhook signature. Implementations never return true for an
// empty secret.
type Verifier interface {
	Verify(payload []byte, signatureHeader, secret string) bool
}

type VerifierFunc func(payload []byte, signatureHeader, secret string) bool

func (f VerifierFunc) Verify(payload []byte, signatureHeader, secret string) bool {
	return f(payload, signatureHeader, secret)
}

func VerifierFor(kind GatewayKind) (Verifier, error) {
	switch kind {
	case KindHMACSHA256:
		return VerifierFunc(VerifyHMACSHA256), nil
	case KindStructuredHeader:
		return StructuredHeaderVerifier{Version: DefaultSignatureVersion}, nil
	default:
		return nil, fmt.Errorf("unsupported gateway kind %q", kind)
	}
}

// VerifyHMACSHA256 compares the hex HMAC-SHA256 of payload with the header value.
// A leading "sha256=" is accepted.
func VerifyHMACSHA256(payload []byte, signatureHeader, secret string) bool {
	if secret == "" {
		return false
	}
	signature := strings.TrimSpace(signatureHeader)
	signature = strings.TrimPrefix(signature, "sha256=")
	if signature == "" {
		return false
	}

	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	return hmac.Equal(got, computeHMAC([]byte(secret), payload))
}

// DefaultSignatureVersion is the only token StructuredHeaderVerifier accepts unless configured.
const DefaultSignatureVersion = "v1"

// StructuredHeaderVerifier handles headers of the form "t=<timestamp>,v1=<hex>,v0=<hex>".
// The signed content is "<timestamp>.<payload>" and only Version tokens are compared.
type StructuredHeaderVerifier struct {
	Version string
}

func (v StructuredHeaderVerifier) Verify(payload []byte, signatureHeader, secret string) bool {
	if secret == "" {
		return false
	}
	version := v.Version
	if version == "" {
		version = DefaultSignatureVersion
	}

	timestamp, signatures := parseStructuredHeader(signatureHeader)
	if timestamp == "" || len(signatures[version]) == 0 {
		return false
	}

	signed := make([]byte, 0, len(timestamp)+1+len(payload))
	signed = append(signed, timestamp...)
	signed = append(signed, '.')
	signed = append(signed, payload...)
	expected := computeHMAC([]byte(secret), signed)

	for _, candidate := range signatures[version] {
		got, err := hex.DecodeString(candidate)
		if err != nil {
			continue
		}
		if hmac.Equal(got, expected) {
			return true
		}
	}
	return false
}

func parseStructuredHeader(header string) (string, map[string][]string) {
	var timestamp string
	signatures := make(map[string][]string)

	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || value == "" {
			continue
		}
		if key == "t" {
			timestamp = value
			continue
		}
		signatures[key] = append(signatures[key], value)
	}

	return timestamp, signatures
}

func computeHMAC(secret, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// SignHMACSHA256 produces the header value VerifyHMACSHA256 accepts.
func SignHMACSHA256(payload []byte, secret string) string {
	return hex.EncodeToString(computeHMAC([]byte(secret), payload))
}

// SignStructuredHeader produces a "t=...,v1=..." header for payload.
func SignStructuredHeader(payload []byte, secret, timestamp string) string {
	signed := append([]byte(timestamp+"."), payload...)
	return "t=" + timestamp + "," + DefaultSignatureVersion + "=" + hex.EncodeToString(computeHMAC([]byte(secret), signed))
}
