package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var ErrCorruptChain = errors.New("audit chain corruption detected")

// hashTimeLayout keeps microsecond precision so timestamps survive a round trip through timestamptz.
const hashTimeLayout = "2006-01-02T15:04:05.000000Z"

func ComputeHash(prev string, e Entry) string {
	h := sha256.New()
	_, _ = h.Write([]byte(prev))
	_, _ = h.Write([]byte("|" + e.ID))
	_, _ = h.Write([]byte("|" + e.CreatedAt.UTC().Truncate(time.Microsecond).Format(hashTimeLayout)))
	_, _ = h.Write([]byte("|" + e.UserID + "|" + e.Asset + "|" + e.TransactionID))
	_, _ = h.Write([]byte("|" + e.Actor + "|" + e.ActorType + "|" + e.Action))
	_, _ = h.Write([]byte(fmt.Sprintf("|%x", e.Meta)))
	return hex.EncodeToString(h.Sum(nil))
}

// Seal links e onto prev and fills both hash fields.
func Seal(prev string, e Entry) Entry {
	if prev == "" {
		prev = Genesis
	}
	e.HashPrev = prev
	e.HashCurr = ComputeHash(prev, e)
	return e
}

// VerifyChain checks entries of a single wallet in chronological order and returns the head hash.
func VerifyChain(entries []Entry) (string, error) {
	head := Genesis
	for i, e := range entries {
		if e.HashPrev != head {
			return "", fmt.Errorf("%w: entry %s (index %d) links to %s, want %s", ErrCorruptChain, e.ID, i, e.HashPrev, head)
		}
		if ComputeHash(e.HashPrev, e) != e.HashCurr {
			return "", fmt.Errorf("%w: entry %s (index %d) hash mismatch", ErrCorruptChain, e.ID, i)
		}
		head = e.HashCurr
	}
	return head, nil
}
