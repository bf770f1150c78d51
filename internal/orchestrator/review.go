package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/brightming/genflow/internal/generr"
	"github.com/brightming/genflow/internal/safety"
	"github.com/brightming/genflow/pkg/model"
)

// Cancel 取消请求并退还额度。离开 generating 后只能等待自然结束
func (s *Service) Cancel(ctx context.Context, id, requesterID string) (*model.StatusView, error) {
	t, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	if requesterID != "" && t.rec.Request.RequesterID != requesterID {
		t.mu.Unlock()
		return nil, generr.NotFound("request", id)
	}
	if !Cancellable(t.rec.Status) {
		status := t.rec.Status
		t.mu.Unlock()
		return nil, generr.InvalidState("cancel", status)
	}
	err = s.transition(ctx, t, model.StatusCancelled, func(rec *model.RequestRecord) {
		rec.Failure = &model.Failure{Code: string(generr.CodeCancelled), Message: "cancelled by requester"}
	})
	cancel := t.cancel
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("request cancelled", "request_id", id)
	return s.GetStatus(ctx, id, "")
}

// Decide 记录人工审核决定，只允许在 ready_for_review 状态下进行一次
func (s *Service) Decide(ctx context.Context, id string, d model.ReviewDecision) (*model.StatusView, error) {
	var to model.Status
	switch d.Action {
	case model.DecisionApprove:
		to = model.StatusApproved
	case model.DecisionReject:
		to = model.StatusRejected
	case model.DecisionEdit:
		to = model.StatusEdited
		if strings.TrimSpace(d.EditedContent) == "" {
			return nil, generr.Validation("edited_content is required for edit")
		}
	default:
		return nil, generr.Validation("unsupported action %q", d.Action)
	}
	if strings.TrimSpace(d.ReviewerID) == "" {
		return nil, generr.Validation("reviewer_id is required")
	}

	t, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	if t.rec.Status != model.StatusReadyForReview {
		status := t.rec.Status
		t.mu.Unlock()
		return nil, generr.InvalidState("decide", status)
	}

	now := s.now().UTC()
	d.ID = uuid.NewString()
	d.RequestID = id
	d.DecidedAt = now
	if err := s.store.SaveDecision(ctx, d); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	err = s.transition(ctx, t, to, func(rec *model.RequestRecord) {
		decision := d
		rec.Decision = &decision
		switch d.Action {
		case model.DecisionApprove:
			rec.Artifact = newArtifact(rec, rec.Content, model.ProvenanceGenerated, now)
		case model.DecisionEdit:
			rec.Artifact = newArtifact(rec, d.EditedContent, model.ProvenanceHumanModified, now)
		case model.DecisionReject:
			rec.Artifact = nil
			rec.Failure = &model.Failure{Code: "reviewer_rejected", Message: d.Notes}
		}
	})
	if err == nil {
		s.commit(ctx, t)
	}
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.log.Info("review decision recorded", "request_id", id, "action", d.Action, "reviewer_id", d.ReviewerID)
	return s.GetStatus(ctx, id, "")
}

// MaxReviewPageSize 审核队列单页上限
const MaxReviewPageSize = 100

// ReviewQueue 分页列出待审核草稿，需要严格审核的排在前面
func (s *Service) ReviewQueue(ctx context.Context, page, limit int) (*model.ReviewQueue, error) {
	if page < 1 {
		return nil, generr.Validation("page must be at least 1")
	}
	if limit < 1 || limit > MaxReviewPageSize {
		return nil, generr.Validation("limit must be between 1 and %d", MaxReviewPageSize)
	}
	res, err := s.store.ListByStatus(ctx, model.StatusReadyForReview, (page-1)*limit, limit)
	if err != nil {
		return nil, generr.Internal(err)
	}
	q := &model.ReviewQueue{
		Items:  make([]model.ReviewQueueItem, 0, len(res.Records)),
		Total:  res.Total,
		Strict: res.Strict,
		Page:   page,
		Limit:  limit,
	}
	for _, rec := range res.Records {
		q.Items = append(q.Items, model.ReviewQueueItem{
			RequestID:         rec.Request.ID,
			RequesterID:       rec.Request.RequesterID,
			Title:             rec.Title,
			Draft:             rec.Content,
			NeedsStrictReview: rec.NeedsStrictReview,
			Verdict:           rec.Verdict,
			CreatedAt:         rec.Request.CreatedAt,
		})
	}
	return q, nil
}

func newArtifact(rec *model.RequestRecord, content string, prov model.Provenance, at time.Time) *model.Artifact {
	return &model.Artifact{
		RequestID:          rec.Request.ID,
		Title:              rec.Title,
		Content:            content,
		Provenance:         prov,
		ReadingTimeSeconds: safety.ReadingTimeSeconds(content),
		ApprovedAt:         at,
	}
}
