package orchestrator

import (
	"context"
	"fmt"

	"github.com/brightming/genflow/internal/generr"
	"github.com/brightming/genflow/pkg/model"
)

// Resume 启动时恢复未完成的请求。
// pending/validating 记为失败，若预扣已落账则按预扣ID释放；已预扣的请求重建预扣并继续执行。
// 最后补偿此前退还失败的请求。返回重新启动的任务数
func (s *Service) Resume(ctx context.Context) (int, error) {
	recs, err := s.store.ListNonTerminal(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished requests failed: %w", err)
	}

	resumed := 0
	for _, rec := range recs {
		if _, ok := s.records.Load(rec.Request.ID); ok {
			continue
		}
		t := newTracked(rec)
		switch rec.Status {
		case model.StatusPending, model.StatusValidating:
			t.mu.Lock()
			s.records.Store(rec.Request.ID, t)
			s.fail(ctx, t, &generr.Error{Code: generr.CodeInternal, Message: "interrupted before generation started"})
			t.mu.Unlock()

		case model.StatusQuotaReserved, model.StatusGenerating, model.StatusSafetyChecking:
			if rec.Refunded {
				continue
			}
			t.mu.Lock()
			if rec.ReservationID != "" {
				t.reservation = s.ledger.Restore(rec.Request.RequesterID, rec.ReservationID)
			}
			s.admit(rec.Request.RequesterID, 0)
			t.holdsSlot = true
			t.startedAt = s.now()
			s.records.Store(rec.Request.ID, t)
			if rec.Request.Fingerprint != "" {
				s.dedupe.LoadOrStore(rec.Request.Fingerprint, &dedupeEntry{id: rec.Request.ID, at: rec.Request.CreatedAt})
			}
			s.start(t)
			t.mu.Unlock()
			resumed++
			s.log.Info("request resumed", "request_id", rec.Request.ID, "status", rec.Status)

		default:
			// ready_for_review 等待人工审核，按需加载
		}
	}
	if resumed > 0 || len(recs) > 0 {
		s.log.Info("resume finished", "unfinished", len(recs), "restarted", resumed)
	}
	if _, err := s.ReconcileRefunds(ctx); err != nil {
		return resumed, err
	}
	return resumed, nil
}
