package ledgerhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/sitestock/sitestock/internal/ledger"
	"github.com/sitestock/sitestock/internal/shared"
)

type fakeService struct {
	created     ledger.CreateOutboundInput
	returnIn    ledger.CreateReturnInput
	staged      bool
	lines       []ledger.ReturnLine
	sentDate    time.Time
	deletedBy   int64
	adjust      ledger.AdjustStockInput
	err         error
	reconciled  int
	transaction ledger.SiteTransactionFilter
}

func (f *fakeService) CreateOutboundWaybill(ctx context.Context, in ledger.CreateOutboundInput) (ledger.Waybill, error) {
	f.created = in
	return ledger.Waybill{ID: "WB001", Type: ledger.WaybillTypeOutbound, Status: ledger.StatusOutstanding, SiteID: in.SiteID}, f.err
}

func (f *fakeService) SendToSite(ctx context.Context, id string, sent time.Time, actorID int64) (ledger.Waybill, error) {
	f.sentDate = sent
	return ledger.Waybill{ID: id, Status: ledger.StatusSentToSite}, f.err
}

func (f *fakeService) ProcessReturn(ctx context.Context, id string, lines []ledger.ReturnLine, actorID int64) (ledger.Waybill, error) {
	f.lines = lines
	return ledger.Waybill{ID: id, Status: ledger.StatusPartialReturned}, f.err
}

func (f *fakeService) CreateReturnWaybill(ctx context.Context, in ledger.CreateReturnInput) (ledger.Waybill, error) {
	f.returnIn = in
	return ledger.Waybill{ID: "RB001", Status: ledger.StatusReturnCompleted}, f.err
}

func (f *fakeService) StageReturnWaybill(ctx context.Context, in ledger.CreateReturnInput) (ledger.Waybill, error) {
	f.returnIn, f.staged = in, true
	return ledger.Waybill{ID: "RB001", Status: ledger.StatusOutstanding}, f.err
}

func (f *fakeService) DeleteWaybill(ctx context.Context, id string, actorID int64) error {
	f.deletedBy = actorID
	return f.err
}

func (f *fakeService) UpdateWaybill(ctx context.Context, id string, in ledger.UpdateWaybillInput) (ledger.Waybill, error) {
	return ledger.Waybill{ID: id}, f.err
}

func (f *fakeService) AdjustStock(ctx context.Context, in ledger.AdjustStockInput) (ledger.Asset, error) {
	f.adjust = in
	return ledger.Asset{ID: in.AssetID, Quantity: 10 + in.Delta}, f.err
}

func (f *fakeService) GetWaybill(ctx context.Context, id string) (ledger.Waybill, error) {
	return ledger.Waybill{ID: id}, f.err
}

func (f *fakeService) ListWaybills(ctx context.Context, filter ledger.WaybillFilter) ([]ledger.Waybill, error) {
	return []ledger.Waybill{}, f.err
}

func (f *fakeService) ListSiteTransactions(ctx context.Context, filter ledger.SiteTransactionFilter) ([]ledger.SiteTransaction, error) {
	f.transaction = filter
	return nil, f.err
}

func (f *fakeService) Reconcile(ctx context.Context) (ledger.ReconcileReport, error) {
	f.reconciled++
	return ledger.ReconcileReport{AssetsChecked: 3}, f.err
}

type fakeHistory struct{}

func (fakeHistory) History(ctx context.Context, entity, entityID string, limit int) ([]shared.AuditLog, error) {
	return []shared.AuditLog{{Action: "ledger:waybill.create", Entity: entity, EntityID: entityID}}, nil
}

func newTestRouter(svc *fakeService) http.Handler {
	h := NewHandler(nil, svc, fakeHistory{})
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(shared.ContextWithActor(r.Context(), 7)))
		})
	})
	h.MountRoutes(r)
	r.Post("/assets/{id}/adjust", h.AdjustStock)
	return r
}

func do(t *testing.T, handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(idempotencyHeader, "req-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCreateWaybill(t *testing.T) {
	svc := &fakeService{}
	rec := do(t, newTestRouter(svc), http.MethodPost, "/waybills",
		`{"siteId":"S1","issueDate":"2024-03-01","items":[{"assetId":"A1","quantity":5}]}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "S1", svc.created.SiteID)
	require.Equal(t, []ledger.ItemInput{{AssetID: "A1", Quantity: 5}}, svc.created.Items)
	require.Equal(t, int64(7), svc.created.Meta.ActorID)
	require.Equal(t, "req-1", svc.created.Meta.IdempotencyKey)
	require.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), svc.created.Meta.IssueDate)

	var wb ledger.Waybill
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wb))
	require.Equal(t, "WB001", wb.ID)
}

func TestRequestRejections(t *testing.T) {
	cases := []struct {
		name   string
		method string
		target string
		body   string
		status int
	}{
		{"missing site", http.MethodPost, "/waybills", `{"items":[{"assetId":"A1","quantity":1}]}`, http.StatusUnprocessableEntity},
		{"no items", http.MethodPost, "/waybills", `{"siteId":"S1","items":[]}`, http.StatusUnprocessableEntity},
		{"unknown field", http.MethodPost, "/waybills", `{"siteId":"S1","bogus":1}`, http.StatusBadRequest},
		{"malformed json", http.MethodPost, "/returns", `{`, http.StatusBadRequest},
		{"bad condition", http.MethodPost, "/waybills/WB001/returns", `{"items":[{"assetId":"A1","quantity":1,"condition":"lost"}]}`, http.StatusUnprocessableEntity},
		{"bad date", http.MethodPost, "/waybills/WB001/send", `{"sentDate":"yesterday"}`, http.StatusBadRequest},
		{"zero adjust", http.MethodPost, "/assets/A1/adjust", `{"delta":0}`, http.StatusUnprocessableEntity},
		{"bad status filter", http.MethodGet, "/waybills?status=lost", "", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, newTestRouter(&fakeService{}), tc.method, tc.target, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestDomainErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: WB404", ledger.ErrWaybillNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: over return", ledger.ErrValidation), http.StatusUnprocessableEntity},
		{shared.ErrIdempotencyConflict, http.StatusConflict},
		{&ledger.TxError{Op: "waybill.send", Err: errors.New("connection reset")}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := do(t, newTestRouter(&fakeService{err: tc.err}), http.MethodGet, "/waybills/WB404", "")
		require.Equal(t, tc.status, rec.Code)
	}
}

func TestCreateReturnHonoursStagedFlag(t *testing.T) {
	body := `{"siteId":"S1","returnToSiteId":"WH","items":[{"assetId":"A1","quantity":2,"condition":"damaged"}]}`

	svc := &fakeService{}
	rec := do(t, newTestRouter(svc), http.MethodPost, "/returns", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.False(t, svc.staged)
	require.Equal(t, ledger.ConditionDamaged, svc.returnIn.Items[0].Condition)
	require.Equal(t, "WH", svc.returnIn.ReturnToSiteID)

	svc = &fakeService{}
	rec = do(t, newTestRouter(svc), http.MethodPost, "/returns?staged=true", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.True(t, svc.staged)
}

func TestSendWithoutBodyUsesNow(t *testing.T) {
	svc := &fakeService{}
	before := time.Now().UTC()
	rec := do(t, newTestRouter(svc), http.MethodPost, "/waybills/WB001/send", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, svc.sentDate.Before(before))
}

func TestDeleteAndAdjustCarryActor(t *testing.T) {
	svc := &fakeService{}
	router := newTestRouter(svc)

	rec := do(t, router, http.MethodDelete, "/waybills/WB001", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, int64(7), svc.deletedBy)

	rec = do(t, router, http.MethodPost, "/assets/A1/adjust", `{"delta":-3,"note":"scrapped"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, ledger.AdjustStockInput{AssetID: "A1", Delta: -3, Note: "scrapped", ActorID: 7}, svc.adjust)
}

func TestReadEndpoints(t *testing.T) {
	svc := &fakeService{}
	router := newTestRouter(svc)

	rec := do(t, router, http.MethodGet, "/site-transactions?siteId=S1&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())
	require.Equal(t, ledger.SiteTransactionFilter{SiteID: "S1", Limit: 5}, svc.transaction)

	rec = do(t, router, http.MethodPost, "/reconcile", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, svc.reconciled)

	rec = do(t, router, http.MethodGet, "/waybills/WB001/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var logs []shared.AuditLog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	require.Len(t, logs, 1)
	require.Equal(t, "WB001", logs[0].EntityID)
}
