package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/brightming/genflow/internal/auth"
	"github.com/brightming/genflow/internal/generr"
	"github.com/brightming/genflow/internal/orchestrator"
	"github.com/brightming/genflow/pkg/api/response"
	"github.com/brightming/genflow/pkg/model"
)

type fakeService struct {
	submitted  model.GenerationRequest
	statusErr  error
	lastScope  string
	decision   model.ReviewDecision
	submitErr  error
	bonusGiven int
	queuePage  int
	queueLimit int
}

func (f *fakeService) Submit(_ context.Context, req model.GenerationRequest) (*orchestrator.Receipt, error) {
	f.submitted = req
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &orchestrator.Receipt{RequestID: "req-1", Status: model.StatusQuotaReserved}, nil
}

func (f *fakeService) GetStatus(_ context.Context, id, requesterID string) (*model.StatusView, error) {
	f.lastScope = requesterID
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &model.StatusView{RequestID: id, Status: model.StatusReadyForReview}, nil
}

func (f *fakeService) Cancel(_ context.Context, id, requesterID string) (*model.StatusView, error) {
	f.lastScope = requesterID
	return &model.StatusView{RequestID: id, Status: model.StatusCancelled}, nil
}

func (f *fakeService) Decide(_ context.Context, id string, d model.ReviewDecision) (*model.StatusView, error) {
	f.decision = d
	return &model.StatusView{RequestID: id, Status: model.StatusApproved}, nil
}

func (f *fakeService) GetQuota(_ context.Context, accountID string) (model.QuotaSnapshot, error) {
	return model.QuotaSnapshot{AccountID: accountID, Tier: "free"}, nil
}

func (f *fakeService) GrantBonus(_ context.Context, accountID string, credits int, _ *time.Time) (model.QuotaSnapshot, error) {
	f.bonusGiven = credits
	return model.QuotaSnapshot{AccountID: accountID, BonusCredits: credits}, nil
}

func (f *fakeService) ReviewQueue(_ context.Context, page, limit int) (*model.ReviewQueue, error) {
	f.queuePage, f.queueLimit = page, limit
	if limit > orchestrator.MaxReviewPageSize {
		return nil, generr.Validation("limit too large")
	}
	return &model.ReviewQueue{
		Items: []model.ReviewQueueItem{{RequestID: "req-1", Draft: "once upon a time", NeedsStrictReview: true}},
		Total: 1, Strict: 1, Page: page, Limit: limit,
	}, nil
}

func newTestRouter(svc Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	api := r.Group("/api/v1", auth.Middleware(nil))
	NewHandler(svc).RegisterRoutes(api)
	return r
}

func do(r http.Handler, method, path, requester, roles string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if requester != "" {
		req.Header.Set("X-Requester-ID", requester)
	}
	if roles != "" {
		req.Header.Set("X-Roles", roles)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSubmitUsesIdentity(t *testing.T) {
	svc := &fakeService{}
	r := newTestRouter(svc)

	w := do(r, http.MethodPost, "/api/v1/generations", "parent-1", "", gin.H{
		"prompt":       "a fox",
		"requester_id": "someone-else",
		"parameters":   gin.H{"age_band": "4-6"},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
	if svc.submitted.RequesterID != "parent-1" {
		t.Fatalf("requester = %q", svc.submitted.RequesterID)
	}
	var receipt orchestrator.Receipt
	if err := json.Unmarshal(w.Body.Bytes(), &receipt); err != nil || receipt.RequestID != "req-1" {
		t.Fatalf("receipt %+v err %v", receipt, err)
	}
}

func TestSubmitBadBody(t *testing.T) {
	r := newTestRouter(&fakeService{})
	w := do(r, http.MethodPost, "/api/v1/generations", "parent-1", "", gin.H{"prompt": "a fox"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d", w.Code)
	}
}

func TestErrorRendering(t *testing.T) {
	reset := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"quota", generr.QuotaExceeded(reset), http.StatusTooManyRequests, "quota_exceeded"},
		{"safety", generr.SafetyRejected([]model.Concern{{Category: "violence", Severity: model.SeverityHigh}}), http.StatusUnprocessableEntity, "safety_rejected"},
		{"validation", generr.Validation("prompt must not be empty"), http.StatusBadRequest, "validation_error"},
		{"concurrency", generr.ErrConcurrencyLimited, http.StatusTooManyRequests, "concurrency_limited"},
		{"internal", context.DeadlineExceeded, http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(&fakeService{submitErr: tt.err})
			w := do(r, http.MethodPost, "/api/v1/generations", "parent-1", "", gin.H{
				"prompt": "a fox", "parameters": gin.H{"age_band": "4-6"},
			})
			if w.Code != tt.want {
				t.Fatalf("status %d, want %d", w.Code, tt.want)
			}
			var body response.ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Code != tt.code {
				t.Fatalf("code %q, want %q", body.Code, tt.code)
			}
			if tt.name == "quota" && (body.ResetAt == nil || !body.ResetAt.Equal(reset)) {
				t.Fatalf("reset_at = %v", body.ResetAt)
			}
			if tt.name == "safety" && len(body.Concerns) != 1 {
				t.Fatalf("concerns = %+v", body.Concerns)
			}
			if tt.name == "internal" && body.Message != "internal error" {
				t.Fatalf("internal detail leaked: %q", body.Message)
			}
		})
	}
}

func TestStatusScope(t *testing.T) {
	svc := &fakeService{}
	r := newTestRouter(svc)

	if w := do(r, http.MethodGet, "/api/v1/generations/req-1", "parent-1", "", nil); w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if svc.lastScope != "parent-1" {
		t.Fatalf("scope = %q, want parent-1", svc.lastScope)
	}
	do(r, http.MethodGet, "/api/v1/generations/req-1", "rev-1", "reviewer", nil)
	if svc.lastScope != "" {
		t.Fatalf("reviewer scope = %q, want unrestricted", svc.lastScope)
	}

	svc.statusErr = generr.NotFound("request", "req-9")
	if w := do(r, http.MethodGet, "/api/v1/generations/req-9", "parent-1", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", w.Code)
	}
}

func TestDecisionRequiresReviewer(t *testing.T) {
	svc := &fakeService{}
	r := newTestRouter(svc)
	body := gin.H{"action": "approve"}

	if w := do(r, http.MethodPost, "/api/v1/generations/req-1/decision", "parent-1", "", body); w.Code != http.StatusForbidden {
		t.Fatalf("status %d, want 403", w.Code)
	}
	w := do(r, http.MethodPost, "/api/v1/generations/req-1/decision", "rev-1", "reviewer", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
	if svc.decision.ReviewerID != "rev-1" || svc.decision.Action != model.DecisionApprove {
		t.Fatalf("decision %+v", svc.decision)
	}
}

func TestQuotaAccess(t *testing.T) {
	svc := &fakeService{}
	r := newTestRouter(svc)

	if w := do(r, http.MethodGet, "/api/v1/quota/parent-1", "parent-1", "", nil); w.Code != http.StatusOK {
		t.Fatalf("own quota status %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/api/v1/quota/parent-2", "parent-1", "", nil); w.Code != http.StatusForbidden {
		t.Fatalf("other quota status %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/api/v1/quota/parent-2", "ops", "admin", nil); w.Code != http.StatusOK {
		t.Fatalf("admin quota status %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/api/v1/quota/parent-1/bonus", "parent-1", "", gin.H{"credits": 5}); w.Code != http.StatusForbidden {
		t.Fatalf("self bonus status %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/api/v1/quota/parent-1/bonus", "ops", "admin", gin.H{"credits": 5}); w.Code != http.StatusOK || svc.bonusGiven != 5 {
		t.Fatalf("bonus status %d given %d", w.Code, svc.bonusGiven)
	}
}

func TestListTemplates(t *testing.T) {
	r := newTestRouter(&fakeService{})
	w := do(r, http.MethodGet, "/api/v1/templates", "parent-1", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var body struct {
		Templates []struct {
			ID string `json:"id"`
		} `json:"templates"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || len(body.Templates) == 0 {
		t.Fatalf("templates %+v err %v", body, err)
	}
}

func TestReviewQueue(t *testing.T) {
	svc := &fakeService{}
	r := newTestRouter(svc)

	if w := do(r, http.MethodGet, "/api/v1/reviews", "parent-1", "", nil); w.Code != http.StatusForbidden {
		t.Fatalf("status %d, want 403", w.Code)
	}

	w := do(r, http.MethodGet, "/api/v1/reviews", "rev-1", "reviewer", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
	if svc.queuePage != 1 || svc.queueLimit != 20 {
		t.Fatalf("defaults page=%d limit=%d", svc.queuePage, svc.queueLimit)
	}
	var q model.ReviewQueue
	if err := json.Unmarshal(w.Body.Bytes(), &q); err != nil || len(q.Items) != 1 || !q.Items[0].NeedsStrictReview {
		t.Fatalf("queue %+v err %v", q, err)
	}

	tests := []struct {
		query string
		want  int
	}{
		{"?page=2&limit=5", http.StatusOK},
		{"?limit=abc", http.StatusBadRequest},
		{"?limit=500", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if w := do(r, http.MethodGet, "/api/v1/reviews"+tt.query, "rev-1", "reviewer", nil); w.Code != tt.want {
			t.Fatalf("%s: status %d, want %d", tt.query, w.Code, tt.want)
		}
	}
	if svc.queuePage != 1 || svc.queueLimit != 500 {
		t.Fatalf("last call page=%d limit=%d", svc.queuePage, svc.queueLimit)
	}
}
