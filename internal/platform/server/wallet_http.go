package server

import (
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-ledger-go/internal/ledger"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/audit"
)

const maxRequestBody = 64 << 10

// WalletHandler exposes the ledger engine over JSON routes on a gateway mux.
type WalletHandler struct {
	Engine        *ledger.Engine
	AssetDecimals map[string]int32
	Logger        *zap.Logger
}

func (h WalletHandler) Register(mux *runtime.ServeMux) error {
	// The gateway mux tries the most recent registration first, so the :credit and :debit
	// routes must be registered after the bare wallet route they would otherwise fall into.
	routes := []struct {
		method, pattern string
		fn              runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/wallets/{user_id}/{asset}", h.createWallet},
		{http.MethodGet, "/v1/wallets/{user_id}/{asset}/balance", h.getBalance},
		{http.MethodGet, "/v1/wallets/{user_id}/{asset}/transactions", h.listTransactions},
		{http.MethodGet, "/v1/wallets/{user_id}/{asset}/audit", h.listAudit},
		{http.MethodPost, "/v1/wallets/{user_id}/{asset}:credit", h.credit},
		{http.MethodPost, "/v1/wallets/{user_id}/{asset}:debit", h.debit},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.fn); err != nil {
			return err
		}
	}
	return nil
}

func (h WalletHandler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

type mutationBody struct {
	Amount  string          `json:"amount"`
	ChainID int64           `json:"chain_id"`
	Type    string          `json:"type"`
	Status  string          `json:"status,omitempty"`
	TxHash  string          `json:"tx_hash,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Meta    json.RawMessage `json:"meta,omitempty"`
}

type mutationResponse struct {
	NewBalance    string `json:"new_balance"`
	TransactionID string `json:"transaction_id"`
}

type balanceResponse struct {
	UserID         string `json:"user_id"`
	Asset          string `json:"asset"`
	Balance        string `json:"balance"`
	DisplayBalance string `json:"display_balance,omitempty"`
	Decimals       *int32 `json:"decimals,omitempty"`
}

type transactionView struct {
	ID           string          `json:"id"`
	Asset        string          `json:"asset"`
	Amount       string          `json:"amount"`
	Direction    string          `json:"direction"`
	ChainID      int64           `json:"chain_id"`
	Type         string          `json:"type"`
	Status       string          `json:"status"`
	TxHash       string          `json:"tx_hash,omitempty"`
	From         string          `json:"from,omitempty"`
	To           string          `json:"to,omitempty"`
	Meta         json.RawMessage `json:"meta,omitempty"`
	BalanceAfter string          `json:"balance_after"`
	CreatedAt    string          `json:"created_at"`
}

type auditView struct {
	ID            string          `json:"id"`
	Asset         string          `json:"asset"`
	TransactionID string          `json:"transaction_id"`
	Actor         string          `json:"actor"`
	ActorType     string          `json:"actor_type"`
	Action        string          `json:"action"`
	Meta          json.RawMessage `json:"meta"`
	HashPrev      string          `json:"hash_prev"`
	HashCurr      string          `json:"hash_curr"`
	CreatedAt     string          `json:"created_at"`
}

type pageResponse[T any] struct {
	Items      []T    `json:"items"`
	NextBefore string `json:"next_before,omitempty"`
}

func (h WalletHandler) createWallet(w http.ResponseWriter, r *http.Request, p map[string]string) {
	res, err := h.Engine.CreateWallet(r.Context(), p["user_id"], p["asset"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"wallet_balance_id": res.WalletBalanceID})
}

func (h WalletHandler) getBalance(w http.ResponseWriter, r *http.Request, p map[string]string) {
	asset := ledger.NormalizeAsset(p["asset"])
	bal, err := h.Engine.GetBalance(r.Context(), p["user_id"], asset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp := balanceResponse{UserID: p["user_id"], Asset: asset, Balance: bal}
	if d, ok := h.AssetDecimals[asset]; ok {
		resp.DisplayBalance = DisplayAmount(bal, d)
		resp.Decimals = &d
	}
	writeJSON(w, http.StatusOK, resp)
}

// DisplayAmount shifts a smallest-unit integer string by decimals for presentation only.
func DisplayAmount(raw string, decimals int32) string {
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return ""
	}
	return decimal.NewFromBigInt(n, -decimals).String()
}

func (h WalletHandler) decodeMutation(r *http.Request, p map[string]string) (ledger.Request, error) {
	var body mutationBody
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		return ledger.Request{}, &ledger.RequestError{Field: "body", Reason: err.Error()}
	}
	meta, err := ledger.DecodeMeta(body.Meta)
	if err != nil {
		return ledger.Request{}, &ledger.RequestError{Field: "meta", Reason: err.Error()}
	}
	return ledger.Request{
		UserID:  p["user_id"],
		Asset:   p["asset"],
		Amount:  body.Amount,
		ChainID: body.ChainID,
		Type:    ledger.TxType(body.Type),
		Status:  ledger.Status(strings.ToUpper(body.Status)),
		TxHash:  body.TxHash,
		From:    body.From,
		To:      body.To,
		Meta:    meta,
	}, nil
}

func (h WalletHandler) credit(w http.ResponseWriter, r *http.Request, p map[string]string) {
	req, err := h.decodeMutation(r, p)
	if err != nil {
		h.writeError(w, err)
		return
	}
	res, err := h.Engine.CreditWallet(r.Context(), ledger.CreditRequest(req))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationResponse{NewBalance: res.NewBalance, TransactionID: res.TransactionID})
}

func (h WalletHandler) debit(w http.ResponseWriter, r *http.Request, p map[string]string) {
	req, err := h.decodeMutation(r, p)
	if err != nil {
		h.writeError(w, err)
		return
	}
	res, err := h.Engine.DebitWallet(r.Context(), ledger.DebitRequest(req))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationResponse{NewBalance: res.NewBalance, TransactionID: res.TransactionID})
}

func pageParams(r *http.Request) (string, int, error) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return "", 0, &ledger.RequestError{Field: "limit", Reason: "must be a non-negative integer"}
		}
		limit = n
	}
	return q.Get("before"), limit, nil
}

func (h WalletHandler) listTransactions(w http.ResponseWriter, r *http.Request, p map[string]string) {
	before, limit, err := pageParams(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	f := ledger.TransactionFilter{UserID: p["user_id"], Asset: p["asset"], Before: before, Limit: limit}
	txs, err := h.Engine.ListTransactions(r.Context(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := pageResponse[transactionView]{Items: make([]transactionView, 0, len(txs))}
	for _, tx := range txs {
		meta, err := ledger.EncodeMeta(tx.Meta)
		if err != nil {
			h.writeError(w, err)
			return
		}
		out.Items = append(out.Items, transactionView{
			ID:           tx.ID,
			Asset:        tx.Asset,
			Amount:       tx.Amount,
			Direction:    string(tx.Direction),
			ChainID:      tx.ChainID,
			Type:         string(tx.Type),
			Status:       string(tx.Status),
			TxHash:       tx.TxHash,
			From:         tx.From,
			To:           tx.To,
			Meta:         meta,
			BalanceAfter: tx.BalanceAfter,
			CreatedAt:    tx.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	if len(txs) == ledger.ClampLimit(limit) {
		out.NextBefore = txs[len(txs)-1].ID
	}
	writeJSON(w, http.StatusOK, out)
}

func (h WalletHandler) listAudit(w http.ResponseWriter, r *http.Request, p map[string]string) {
	before, limit, err := pageParams(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	entries, err := h.Engine.ListAudit(r.Context(), ledger.AuditFilter{UserID: p["user_id"], Asset: p["asset"], Before: before, Limit: limit})
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := pageResponse[auditView]{Items: make([]auditView, 0, len(entries))}
	for _, e := range entries {
		out.Items = append(out.Items, toAuditView(e))
	}
	if len(entries) == ledger.ClampLimit(limit) {
		out.NextBefore = entries[len(entries)-1].ID
	}
	writeJSON(w, http.StatusOK, out)
}

func toAuditView(e audit.Entry) auditView {
	meta := json.RawMessage(e.Meta)
	if len(meta) == 0 {
		meta = json.RawMessage("null")
	}
	return auditView{
		ID:            e.ID,
		Asset:         e.Asset,
		TransactionID: e.TransactionID,
		Actor:         e.Actor,
		ActorType:     e.ActorType,
		Action:        e.Action,
		Meta:          meta,
		HashPrev:      e.HashPrev,
		HashCurr:      e.HashCurr,
		CreatedAt:     e.CreatedAt.Format(time.RFC3339Nano),
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Have    string `json:"have,omitempty"`
	Need    string `json:"need,omitempty"`
}

// HTTPStatus maps a ledger error onto the status code callers see.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidRequest),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrDuplicateTransaction):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrLockTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h WalletHandler) writeError(w http.ResponseWriter, err error) {
	code := HTTPStatus(err)
	body := errorBody{Error: ledger.Kind(err), Message: err.Error()}
	var insufficient *ledger.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		body.Have, body.Need = insufficient.Have, insufficient.Need
	}
	switch code {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
	case http.StatusInternalServerError:
		h.logger().Error("ledger request failed", zap.Error(err))
		body.Message = "internal error"
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
