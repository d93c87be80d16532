// Package signing implements the canonical request signature shared by
// the server, the client SDK, and tests. A signature is the HMAC of the
// newline-joined canonical payload
//
//	METHOD\nFULL_URL\nRAW_BODY\nTIMESTAMP\nNONCE
//
// keyed by the device secret and base64-encoded. Server and client must
// agree on this byte-for-byte, so the payload construction lives here
// and nowhere else.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
)

// Algorithm selects the HMAC hash function
type Algorithm string

// Supported algorithms. Empty defaults to SHA256.
const (
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
)

func (a Algorithm) hashFunc() (func() hash.Hash, error) {
	switch a {
	case SHA256, "":
		return sha256.New, nil
	case SHA512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("unsupported signing algorithm: %s", a)
	}
}

// Payload builds the canonical byte sequence that gets signed
func Payload(method, fullURL string, body []byte, timestamp, nonce string) []byte {
	payload := make([]byte, 0, len(method)+len(fullURL)+len(body)+len(timestamp)+len(nonce)+4)
	payload = append(payload, method...)
	payload = append(payload, '\n')
	payload = append(payload, fullURL...)
	payload = append(payload, '\n')
	payload = append(payload, body...)
	payload = append(payload, '\n')
	payload = append(payload, timestamp...)
	payload = append(payload, '\n')
	payload = append(payload, nonce...)
	return payload
}

// Sign computes the base64 HMAC signature over the canonical payload
func Sign(alg Algorithm, method, fullURL string, body []byte, timestamp, nonce, secret string) (string, error) {
	newHash, err := alg.hashFunc()
	if err != nil {
		return "", err
	}
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(Payload(method, fullURL, body, timestamp, nonce))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the signature and compares it to the presented one
// in constant time
func Verify(alg Algorithm, method, fullURL string, body []byte, timestamp, nonce, secret, signature string) (bool, error) {
	expected, err := Sign(alg, method, fullURL, body, timestamp, nonce, secret)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(expected), []byte(signature)), nil
}
