package audit

import "time"

// Genesis is the chain predecessor of the first entry recorded for a wallet.
const Genesis = "GENESIS"

const (
	ActorTypeService  = "service"
	ActorTypeOperator = "operator"
	ActorTypeUser     = "user"
)

// Entry is one audit record for a committed balance mutation.
type Entry struct {
	ID            string
	UserID        string
	Asset         string
	TransactionID string
	Actor         string
	ActorType     string
	Action        string
	Meta          []byte
	CreatedAt     time.Time
	HashPrev      string
	HashCurr      string
}

func (e Entry) walletKey() string {
	return e.UserID + "|" + e.Asset
}
