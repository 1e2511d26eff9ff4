package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// Meta is the structured annotation stored on a transaction. The engine never interprets it.
type Meta interface {
	MetaKind() string
}

type TransferMeta struct {
	Counterparty string `json:"counterparty"`
	Note         string `json:"note,omitempty"`
}

type BillPaymentMeta struct {
	Biller    string `json:"biller"`
	Reference string `json:"reference"`
}

type ConversionMeta struct {
	FromAsset string `json:"from_asset"`
	ToAsset   string `json:"to_asset"`
	Rate      string `json:"rate"`
	QuoteID   string `json:"quote_id,omitempty"`
}

type CardFundingMeta struct {
	CardID string `json:"card_id"`
}

type DepositMeta struct {
	BlockNumber   uint64 `json:"block_number"`
	LogIndex      uint32 `json:"log_index"`
	Confirmations uint32 `json:"confirmations,omitempty"`
}

type WithdrawalMeta struct {
	Destination string `json:"destination"`
	ApprovalID  string `json:"approval_id,omitempty"`
}

type AdjustmentMeta struct {
	Reason string `json:"reason"`
	Ticket string `json:"ticket,omitempty"`
}

// RawMeta carries annotations with no fixed shape. It must hold valid JSON.
type RawMeta struct {
	JSON json.RawMessage
}

func (TransferMeta) MetaKind() string    { return "transfer" }
func (BillPaymentMeta) MetaKind() string { return "bill_payment" }
func (ConversionMeta) MetaKind() string  { return "conversion" }
func (CardFundingMeta) MetaKind() string { return "card_funding" }
func (DepositMeta) MetaKind() string     { return "deposit" }
func (WithdrawalMeta) MetaKind() string  { return "withdrawal" }
func (AdjustmentMeta) MetaKind() string  { return "adjustment" }
func (RawMeta) MetaKind() string         { return "raw" }

type metaEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeMeta renders m as {"kind": ..., "data": ...}. A nil Meta, including a nil pointer
// of a concrete meta type, encodes to nil.
func EncodeMeta(m Meta) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	if v := reflect.ValueOf(m); v.Kind() == reflect.Pointer && v.IsNil() {
		return nil, nil
	}
	var data []byte
	if raw, ok := m.(RawMeta); ok {
		if !json.Valid(raw.JSON) {
			return nil, fmt.Errorf("raw meta is not valid JSON")
		}
		data = raw.JSON
	} else {
		b, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encode %s meta: %w", m.MetaKind(), err)
		}
		data = b
	}
	return json.Marshal(metaEnvelope{Kind: m.MetaKind(), Data: data})
}

func DecodeMeta(b []byte) (Meta, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil, nil
	}
	var env metaEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode meta envelope: %w", err)
	}
	var out Meta
	var err error
	switch env.Kind {
	case "transfer":
		out, err = decodeAs[TransferMeta](env.Data)
	case "bill_payment":
		out, err = decodeAs[BillPaymentMeta](env.Data)
	case "conversion":
		out, err = decodeAs[ConversionMeta](env.Data)
	case "card_funding":
		out, err = decodeAs[CardFundingMeta](env.Data)
	case "deposit":
		out, err = decodeAs[DepositMeta](env.Data)
	case "withdrawal":
		out, err = decodeAs[WithdrawalMeta](env.Data)
	case "adjustment":
		out, err = decodeAs[AdjustmentMeta](env.Data)
	case "raw":
		out = RawMeta{JSON: append(json.RawMessage(nil), env.Data...)}
	default:
		return nil, fmt.Errorf("unknown meta kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s meta: %w", env.Kind, err)
	}
	return out, nil
}

func decodeAs[T Meta](data json.RawMessage) (Meta, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
