package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

// redactRecord hashes the acting principal's identifier so an exported
// audit ledger can be shared without revealing who performed each action,
// while the action name and detail (catalog names, approval ids) stay
// legible since they carry no personal data.
func redactRecord(rec Record, salt []byte) Record {
	rec.Actor = hashString(rec.Actor, salt)
	return rec
}

func hashString(v string, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write([]byte(v))
	return hex.EncodeToString(h.Sum(nil))
}
