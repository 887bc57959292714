package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the payload signature on delivery requests.
const SignatureHeader = "X-ImgGo-Signature"

const signaturePrefix = "sha256="

// Sign computes the HMAC-SHA256 of payload under secret and returns the
// header value in "sha256=<hex>" form.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether header is a valid signature of payload under
// secret. The comparison is constant-time.
func Verify(secret string, payload []byte, header string) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	want := Sign(secret, payload)
	return hmac.Equal([]byte(header), []byte(want))
}
