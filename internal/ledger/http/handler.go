package ledgerhttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/sitestock/sitestock/internal/ledger"
	"github.com/sitestock/sitestock/internal/platform/httpx"
	"github.com/sitestock/sitestock/internal/shared"
)

const (
	idempotencyHeader = "Idempotency-Key"
	historyPageLimit  = 100
	dateLayout        = "2006-01-02"
)

type ledgerService interface {
	CreateOutboundWaybill(ctx context.Context, in ledger.CreateOutboundInput) (ledger.Waybill, error)
	SendToSite(ctx context.Context, waybillID string, sentDate time.Time, actorID int64) (ledger.Waybill, error)
	ProcessReturn(ctx context.Context, waybillID string, lines []ledger.ReturnLine, actorID int64) (ledger.Waybill, error)
	CreateReturnWaybill(ctx context.Context, in ledger.CreateReturnInput) (ledger.Waybill, error)
	StageReturnWaybill(ctx context.Context, in ledger.CreateReturnInput) (ledger.Waybill, error)
	DeleteWaybill(ctx context.Context, waybillID string, actorID int64) error
	UpdateWaybill(ctx context.Context, waybillID string, in ledger.UpdateWaybillInput) (ledger.Waybill, error)
	AdjustStock(ctx context.Context, in ledger.AdjustStockInput) (ledger.Asset, error)
	GetWaybill(ctx context.Context, id string) (ledger.Waybill, error)
	ListWaybills(ctx context.Context, filter ledger.WaybillFilter) ([]ledger.Waybill, error)
	ListSiteTransactions(ctx context.Context, filter ledger.SiteTransactionFilter) ([]ledger.SiteTransaction, error)
	Reconcile(ctx context.Context) (ledger.ReconcileReport, error)
}

type historyReader interface {
	History(ctx context.Context, entity, entityID string, limit int) ([]shared.AuditLog, error)
}

// Handler exposes the ledger engine over JSON.
type Handler struct {
	logger    *slog.Logger
	service   ledgerService
	history   historyReader
	validator *validator.Validate
}

// NewHandler constructs the ledger HTTP handler. history may be nil.
func NewHandler(logger *slog.Logger, service ledgerService, history historyReader) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		history:   history,
		validator: validator.New(),
	}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/waybills", func(r chi.Router) {
		r.Get("/", h.listWaybills)
		r.Post("/", h.createWaybill)
		r.Get("/{id}", h.getWaybill)
		r.Put("/{id}", h.updateWaybill)
		r.Delete("/{id}", h.deleteWaybill)
		r.Post("/{id}/send", h.sendToSite)
		r.Post("/{id}/returns", h.processReturn)
		r.Get("/{id}/history", h.waybillHistory)
	})
	r.Post("/returns", h.createReturn)
	r.Get("/site-transactions", h.listSiteTransactions)
	r.Post("/reconcile", h.reconcile)
}

type itemRequest struct {
	AssetID  string `json:"assetId" validate:"required"`
	Quantity int    `json:"quantity" validate:"gte=0"`
}

type returnLineRequest struct {
	AssetID   string `json:"assetId" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
	Condition string `json:"condition" validate:"required,oneof=good damaged missing used"`
}

type createWaybillRequest struct {
	SiteID             string        `json:"siteId" validate:"required"`
	Items              []itemRequest `json:"items" validate:"required,min=1,dive"`
	IssueDate          string        `json:"issueDate"`
	ExpectedReturnDate string        `json:"expectedReturnDate"`
	DriverName         string        `json:"driverName" validate:"max=120"`
	Vehicle            string        `json:"vehicle" validate:"max=60"`
	Purpose            string        `json:"purpose" validate:"max=255"`
	Notes              string        `json:"notes"`
}

type createReturnRequest struct {
	SiteID         string              `json:"siteId" validate:"required"`
	ReturnToSiteID string              `json:"returnToSiteId"`
	Items          []returnLineRequest `json:"items" validate:"required,min=1,dive"`
	IssueDate      string              `json:"issueDate"`
	DriverName     string              `json:"driverName" validate:"max=120"`
	Vehicle        string              `json:"vehicle" validate:"max=60"`
	Notes          string              `json:"notes"`
}

type updateWaybillRequest struct {
	Items              []itemRequest `json:"items" validate:"required,min=1,dive"`
	ExpectedReturnDate string        `json:"expectedReturnDate"`
	Notes              *string       `json:"notes"`
}

type sendRequest struct {
	SentDate string `json:"sentDate"`
}

type processReturnRequest struct {
	Items []returnLineRequest `json:"items" validate:"required,min=1,dive"`
}

type adjustRequest struct {
	Delta int    `json:"delta" validate:"required"`
	Note  string `json:"note" validate:"max=255"`
}

func (h *Handler) createWaybill(w http.ResponseWriter, r *http.Request) {
	var req createWaybillRequest
	if !h.decode(w, r, &req) {
		return
	}
	meta, err := h.meta(r, req.IssueDate, req.ExpectedReturnDate)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	meta.DriverName, meta.Vehicle, meta.Purpose, meta.Notes = req.DriverName, req.Vehicle, req.Purpose, req.Notes
	items := make([]ledger.ItemInput, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, ledger.ItemInput{AssetID: item.AssetID, Quantity: item.Quantity})
	}
	wb, err := h.service.CreateOutboundWaybill(r.Context(), ledger.CreateOutboundInput{SiteID: req.SiteID, Items: items, Meta: meta})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, wb)
}

func (h *Handler) createReturn(w http.ResponseWriter, r *http.Request) {
	var req createReturnRequest
	if !h.decode(w, r, &req) {
		return
	}
	meta, err := h.meta(r, req.IssueDate, "")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	meta.DriverName, meta.Vehicle, meta.Notes = req.DriverName, req.Vehicle, req.Notes
	in := ledger.CreateReturnInput{
		SiteID:         req.SiteID,
		ReturnToSiteID: req.ReturnToSiteID,
		Items:          returnLines(req.Items),
		Meta:           meta,
	}
	var wb ledger.Waybill
	if staged, _ := strconv.ParseBool(r.URL.Query().Get("staged")); staged {
		wb, err = h.service.StageReturnWaybill(r.Context(), in)
	} else {
		wb, err = h.service.CreateReturnWaybill(r.Context(), in)
	}
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, wb)
}

func (h *Handler) listWaybills(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.WaybillFilter{
		Type:   ledger.WaybillType(q.Get("type")),
		SiteID: q.Get("siteId"),
	}
	if filter.Type != "" && !filter.Type.IsValid() {
		httpx.RespondError(w, fmt.Errorf("%w: unknown type %q", httpx.ErrBadRequest, filter.Type))
		return
	}
	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := ledger.WaybillStatus(strings.TrimSpace(part))
			if !status.IsValid() {
				httpx.RespondError(w, fmt.Errorf("%w: unknown status %q", httpx.ErrBadRequest, status))
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	waybills, err := h.service.ListWaybills(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, waybills)
}

func (h *Handler) getWaybill(w http.ResponseWriter, r *http.Request) {
	wb, err := h.service.GetWaybill(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, wb)
}

func (h *Handler) updateWaybill(w http.ResponseWriter, r *http.Request) {
	var req updateWaybillRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := ledger.UpdateWaybillInput{Notes: req.Notes, ActorID: shared.ActorFromContext(r.Context())}
	for _, item := range req.Items {
		in.Items = append(in.Items, ledger.ItemInput{AssetID: item.AssetID, Quantity: item.Quantity})
	}
	if req.ExpectedReturnDate != "" {
		date, err := parseDate(req.ExpectedReturnDate)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		in.ExpectedReturnDate = &date
	}
	wb, err := h.service.UpdateWaybill(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, wb)
}

func (h *Handler) deleteWaybill(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteWaybill(r.Context(), chi.URLParam(r, "id"), shared.ActorFromContext(r.Context())); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) sendToSite(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	sent := time.Now().UTC()
	if req.SentDate != "" {
		date, err := parseDate(req.SentDate)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		sent = date
	}
	wb, err := h.service.SendToSite(r.Context(), chi.URLParam(r, "id"), sent, shared.ActorFromContext(r.Context()))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, wb)
}

func (h *Handler) processReturn(w http.ResponseWriter, r *http.Request) {
	var req processReturnRequest
	if !h.decode(w, r, &req) {
		return
	}
	wb, err := h.service.ProcessReturn(r.Context(), chi.URLParam(r, "id"), returnLines(req.Items), shared.ActorFromContext(r.Context()))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, wb)
}

func (h *Handler) waybillHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		httpx.RespondError(w, fmt.Errorf("history %w", httpx.ErrNotFound))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := h.history.History(r.Context(), "waybill", chi.URLParam(r, "id"), shared.Limit(limit, 50, historyPageLimit))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, logs)
}

func (h *Handler) listSiteTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	txs, err := h.service.ListSiteTransactions(r.Context(), ledger.SiteTransactionFilter{
		SiteID:      q.Get("siteId"),
		AssetID:     q.Get("assetId"),
		ReferenceID: q.Get("referenceId"),
		Limit:       limit,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if txs == nil {
		txs = []ledger.SiteTransaction{}
	}
	httpx.JSON(w, http.StatusOK, txs)
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Reconcile(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

// AdjustStock handles POST /assets/{id}/adjust.
func (h *Handler) AdjustStock(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if !h.decode(w, r, &req) {
		return
	}
	asset, err := h.service.AdjustStock(r.Context(), ledger.AdjustStockInput{
		AssetID: chi.URLParam(r, "id"),
		Delta:   req.Delta,
		Note:    req.Note,
		ActorID: shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, asset)
}

// decode reads and validates the body, writing the problem response itself on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			err = fmt.Errorf("%w: %s failed %s", httpx.ErrValidation, fe.Namespace(), fe.Tag())
		} else {
			err = fmt.Errorf("%w: %v", httpx.ErrBadRequest, err)
		}
		httpx.RespondError(w, err)
		return false
	}
	return true
}

func (h *Handler) meta(r *http.Request, issueDate, expectedReturn string) (ledger.WaybillMeta, error) {
	meta := ledger.WaybillMeta{
		ActorID:        shared.ActorFromContext(r.Context()),
		IdempotencyKey: r.Header.Get(idempotencyHeader),
	}
	if issueDate != "" {
		date, err := parseDate(issueDate)
		if err != nil {
			return ledger.WaybillMeta{}, err
		}
		meta.IssueDate = date
	}
	if expectedReturn != "" {
		date, err := parseDate(expectedReturn)
		if err != nil {
			return ledger.WaybillMeta{}, err
		}
		meta.ExpectedReturnDate = &date
	}
	return meta, nil
}

func returnLines(in []returnLineRequest) []ledger.ReturnLine {
	out := make([]ledger.ReturnLine, 0, len(in))
	for _, line := range in {
		out = append(out, ledger.ReturnLine{
			AssetID:   line.AssetID,
			Quantity:  line.Quantity,
			Condition: ledger.ReturnCondition(line.Condition),
		})
	}
	return out
}

// parseDate accepts a calendar date or a full RFC3339 timestamp.
func parseDate(raw string) (time.Time, error) {
	if t, err := time.Parse(dateLayout, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q", httpx.ErrBadRequest, raw)
	}
	return t.UTC(), nil
}
