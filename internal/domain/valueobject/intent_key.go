package valueobject

import (
	"encoding/hex"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// IntentKey детерминированный ключ идемпотентности перевода.
// Один и тот же (escrow, этап, вид) всегда даёт один ключ, его же видит леджер.
func IntentKey(escrowID, stageID uuid.UUID, kind IntentKind) string {
	h, _ := blake2b.New256(nil)
	h.Write(escrowID[:])
	h.Write(stageID[:])
	h.Write([]byte(kind))
	return hex.EncodeToString(h.Sum(nil))
}
