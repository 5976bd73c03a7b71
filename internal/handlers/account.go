package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/maneesh/sharebox/internal/common"
	"github.com/maneesh/sharebox/internal/models"
	"github.com/maneesh/sharebox/internal/profiles"
)

const maxJSONBody = 64 << 10

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: malformed JSON body", common.ErrInvalidInput)
	}
	return nil
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req profiles.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	req.OwnerID = owner(r)

	p, err := h.profiles.Register(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) getProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.profiles.Get(r.Context(), owner(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.transactions.List(r.Context(), owner(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if txs == nil {
		txs = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

type createOrderRequest struct {
	Plan     models.Plan `json:"plan"`
	PlanName models.Plan `json:"planName"`
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	plan := req.Plan
	if plan == "" {
		plan = req.PlanName
	}

	order, err := h.payments.CreateOrder(r.Context(), owner(r), plan)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

type confirmOrderRequest struct {
	OwnerID          string `json:"ownerId"`
	PaymentReference string `json:"paymentReference"`
}

type partialGrantResponse struct {
	Credits int64  `json:"credits"`
	Error   string `json:"error"`
}

func (h *Handler) confirmOrder(w http.ResponseWriter, r *http.Request) {
	var req confirmOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	if req.OwnerID == "" {
		h.writeError(w, r, fmt.Errorf("%w: ownerId is required", common.ErrInvalidInput))
		return
	}

	res, err := h.payments.Confirm(r.Context(), req.OwnerID, mux.Vars(r)["id"], req.PaymentReference)
	if errors.Is(err, common.ErrPaymentGrantPartialFailure) {
		// Credits are in place; only the receipt is missing.
		writeJSON(w, http.StatusAccepted, partialGrantResponse{
			Credits: res.NewBalance,
			Error:   common.ErrPaymentGrantPartialFailure.Error(),
		})
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
