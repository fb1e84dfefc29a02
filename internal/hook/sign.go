package hook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Signature = hex(HMAC-SHA256(secret, payload ‖ requestID ‖ LE-int64(ts))),
// where payload is the JSON envelope serialized with the sign field empty.
func Signature(secret string, payload []byte, requestID string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	mac.Write([]byte(requestID))

	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(ts))
	mac.Write(tsBuf[:])

	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is the receiving-side counterpart, exported for tenant
// hook implementations and tests.
func VerifySignature(secret string, payload []byte, requestID string, ts int64, sign string) bool {
	expected := Signature(secret, payload, requestID, ts)
	return hmac.Equal([]byte(expected), []byte(sign))
}
