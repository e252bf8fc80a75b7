package custody

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignPayload computes the hex HMAC-SHA256 signature a provider puts in
// its callback signature header.
func SignPayload(secret, rawBody []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a callback signature in constant time.
func VerifySignature(secret, rawBody []byte, signatureHeader string) bool {
	if signatureHeader == "" {
		return false
	}
	expected := SignPayload(secret, rawBody)
	return hmac.Equal([]byte(expected), []byte(signatureHeader))
}
