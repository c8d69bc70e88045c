package stock

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/lotledger/lotledger/internal/platform/httpx"
	"github.com/lotledger/lotledger/internal/shared"
)

const dateLayout = "2006-01-02"

// Handler wires HTTP endpoints for the stock module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a stock handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/in", h.handleInbound)
	r.Post("/out", h.handleOutbound)
	r.Post("/reverse", h.handleReverse)
	r.Get("/balance", h.handleBalance)
	r.Get("/movements", h.handleMovements)
	r.Get("/used", h.handleUsed)
}

type inboundRequest struct {
	CompanyID string          `json:"company_id" validate:"required"`
	ItemID    string          `json:"item_id" validate:"required"`
	Location  string          `json:"location" validate:"required"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	Date      string          `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Expiry    string          `json:"expiry" validate:"omitempty,datetime=2006-01-02"`
	Reference string          `json:"reference"`
	Note      string          `json:"note"`
}

type outboundRequest struct {
	CompanyID     string          `json:"company_id" validate:"required"`
	ItemID        string          `json:"item_id" validate:"required"`
	Location      string          `json:"location" validate:"required"`
	Quantity      decimal.Decimal `json:"quantity"`
	Date          string          `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Reference     string          `json:"reference"`
	Note          string          `json:"note"`
	AllowNegative bool            `json:"allow_negative"`
	Order         string          `json:"order" validate:"omitempty,oneof=fifo lifo"`
}

type reverseRequest struct {
	Reference string `json:"reference" validate:"required"`
}

type movementResponse struct {
	ID           int64  `json:"id"`
	LotID        int64  `json:"lot_id"`
	Kind         string `json:"kind"`
	Date         string `json:"date"`
	Quantity     string `json:"quantity"`
	Used         string `json:"used"`
	UnitCost     string `json:"unit_cost"`
	Reference    string `json:"reference"`
	ConsumedFrom *int64 `json:"consumed_from,omitempty"`
	Note         string `json:"note,omitempty"`
}

func toMovementResponse(m Movement) movementResponse {
	return movementResponse{
		ID:           m.ID,
		LotID:        m.LotID,
		Kind:         string(m.Kind),
		Date:         m.Date.Format(dateLayout),
		Quantity:     m.Quantity.String(),
		Used:         m.Used.String(),
		UnitCost:     m.UnitCost.String(),
		Reference:    m.Reference,
		ConsumedFrom: m.ConsumedFrom,
		Note:         m.Note,
	}
}

func (h *Handler) handleInbound(w http.ResponseWriter, r *http.Request) {
	var req inboundRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	input := InboundInput{
		Key: LotKey{
			CompanyID: req.CompanyID,
			ItemID:    req.ItemID,
			Location:  req.Location,
		},
		Quantity:  req.Quantity,
		UnitCost:  req.UnitCost,
		Reference: req.Reference,
		Note:      req.Note,
	}
	if req.Date != "" {
		input.Date, _ = time.Parse(dateLayout, req.Date)
	}
	if req.Expiry != "" {
		expiry, _ := time.Parse(dateLayout, req.Expiry)
		input.Key.Expiry = &expiry
	}

	result, err := h.service.RecordInbound(r.Context(), input)
	var rollupErr *RollupError
	if err != nil && !errors.As(err, &rollupErr) {
		h.respondError(w, r, err)
		return
	}
	payload := map[string]any{
		"movement": toMovementResponse(result.Movement),
		"balance":  result.Balance.String(),
	}
	addRollupStatus(payload, rollupErr)
	httpx.JSON(w, http.StatusCreated, payload)
}

func (h *Handler) handleOutbound(w http.ResponseWriter, r *http.Request) {
	var req outboundRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	input := OutboundInput{
		Dimension: LotDimension{
			CompanyID: req.CompanyID,
			ItemID:    req.ItemID,
			Location:  req.Location,
		},
		Quantity:      req.Quantity,
		Reference:     req.Reference,
		Note:          req.Note,
		AllowNegative: req.AllowNegative,
		Order:         CostOrder(req.Order),
	}
	if req.Date != "" {
		input.Date, _ = time.Parse(dateLayout, req.Date)
	}

	result, err := h.service.RecordOutbound(r.Context(), input)
	var rollupErr *RollupError
	if err != nil && !errors.As(err, &rollupErr) {
		h.respondError(w, r, err)
		return
	}
	movements := make([]movementResponse, 0, len(result.Movements))
	for _, m := range result.Movements {
		movements = append(movements, toMovementResponse(m))
	}
	payload := map[string]any{
		"movements":     movements,
		"cost_of_goods": result.CostOfGoods.String(),
		"balance":       result.Balance.String(),
	}
	addRollupStatus(payload, rollupErr)
	httpx.JSON(w, http.StatusCreated, payload)
}

func (h *Handler) handleReverse(w http.ResponseWriter, r *http.Request) {
	var req reverseRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	result, err := h.service.Reverse(r.Context(), req.Reference)
	var rollupErr *RollupError
	if err != nil && !errors.As(err, &rollupErr) {
		h.respondError(w, r, err)
		return
	}
	payload := map[string]any{"reversed": result.Reversed}
	addRollupStatus(payload, rollupErr)
	httpx.JSON(w, http.StatusOK, payload)
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := LotKey{
		CompanyID: q.Get("company_id"),
		ItemID:    q.Get("item_id"),
		Location:  q.Get("location"),
	}
	if key.CompanyID == "" || key.ItemID == "" || key.Location == "" {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "company_id, item_id and location are required")
		return
	}
	if expiryStr := q.Get("expiry"); expiryStr != "" {
		expiry, err := time.Parse(dateLayout, expiryStr)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "expiry must be YYYY-MM-DD")
			return
		}
		key.Expiry = &expiry
	}
	query := BalanceQuery{Key: key}
	if asOfStr := q.Get("as_of"); asOfStr != "" {
		asOf, err := time.Parse(dateLayout, asOfStr)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "as_of must be YYYY-MM-DD")
			return
		}
		query.AsOf = asOf
	}

	balance, err := h.service.CurrentBalance(r.Context(), query)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"balance": balance.String()})
}

func (h *Handler) handleMovements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := MovementFilter{
		Dimension: LotDimension{
			CompanyID: q.Get("company_id"),
			ItemID:    q.Get("item_id"),
			Location:  q.Get("location"),
		},
		Kind: MovementKind(q.Get("kind")),
	}
	if filter.Dimension.CompanyID == "" || filter.Dimension.ItemID == "" || filter.Dimension.Location == "" {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "company_id, item_id and location are required")
		return
	}
	if fromStr := q.Get("from"); fromStr != "" {
		from, err := time.Parse(dateLayout, fromStr)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "from must be YYYY-MM-DD")
			return
		}
		filter.From = from
	}
	if toStr := q.Get("to"); toStr != "" {
		to, err := time.Parse(dateLayout, toStr)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "to must be YYYY-MM-DD")
			return
		}
		filter.To = to
	}

	movements, err := h.service.History(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	responses := make([]movementResponse, 0, len(movements))
	for _, m := range movements {
		responses = append(responses, toMovementResponse(m))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"movements": responses})
}

func (h *Handler) handleUsed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dim := LotDimension{
		CompanyID: q.Get("company_id"),
		ItemID:    q.Get("item_id"),
		Location:  q.Get("location"),
	}
	if dim.CompanyID == "" || dim.ItemID == "" || dim.Location == "" {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "company_id, item_id and location are required")
		return
	}
	var from, to time.Time
	var err error
	if fromStr := q.Get("from"); fromStr != "" {
		if from, err = time.Parse(dateLayout, fromStr); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "from must be YYYY-MM-DD")
			return
		}
	}
	if toStr := q.Get("to"); toStr != "" {
		if to, err = time.Parse(dateLayout, toStr); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "to must be YYYY-MM-DD")
			return
		}
	}

	used, err := h.service.UsedQuantity(r.Context(), dim, from, to)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"used": used.String()})
}

// addRollupStatus marks a committed write whose snapshots are stale.
func addRollupStatus(payload map[string]any, rollupErr *RollupError) {
	if rollupErr == nil {
		return
	}
	payload["snapshots_stale"] = true
	payload["rollup_error"] = rollupErr.Error()
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrLotNotFound), errors.Is(err, ErrMovementNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInsufficientStock):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, ErrConsumedReference):
		httpx.Problem(w, http.StatusConflict, "Consumed Reference", err.Error())
	case errors.Is(err, ErrReferenceMissing):
		httpx.Problem(w, http.StatusConflict, "Reference Missing", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidUnitCost):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid Input", err.Error())
	default:
		h.logger.Error("stock request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "unexpected error")
	}
}
