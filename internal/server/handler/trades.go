package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/clearmesh/settler/internal/domain"
)

// TradeHandler accepts trade events over HTTP and appends them to the log.
// The pipeline picks them up through its consumer group like any other
// upstream producer.
type TradeHandler struct {
	log domain.TradeLog
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(log domain.TradeLog) *TradeHandler {
	return &TradeHandler{log: log}
}

// Enqueue validates a trade event and appends it to the trade log.
// POST /api/trades
func (h *TradeHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var trade domain.TradeEvent
	if err := json.NewDecoder(r.Body).Decode(&trade); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if trade.ReceivedAt.IsZero() {
		trade.ReceivedAt = time.Now().UTC()
	}
	if err := trade.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if err := h.log.Append(r.Context(), trade); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"trade_id": trade.TradeID})
}
