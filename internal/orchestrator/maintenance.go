package orchestrator

import (
	"context"
	"fmt"
	"time"
)

// Run 周期补偿退款并清理过期的去重指纹与已结束的请求，直到ctx结束
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ReconcileRefunds(ctx); err != nil {
				s.log.Warn("refund reconcile failed", "error", err)
			}
			s.sweep()
		}
	}
}

// ReconcileRefunds 重试此前失败的退还。账本按预扣ID去重，重复执行不会多退。
// 返回本次结清的请求数
func (s *Service) ReconcileRefunds(ctx context.Context) (int, error) {
	recs, err := s.store.ListPendingRefunds(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending refunds failed: %w", err)
	}
	settled := 0
	for _, rec := range recs {
		t, err := s.load(ctx, rec.Request.ID)
		if err != nil {
			s.log.Warn("load pending refund failed", "request_id", rec.Request.ID, "error", err)
			continue
		}
		t.mu.Lock()
		// 内存中的副本可能早于存储中的标记
		if !t.rec.Refunded {
			t.rec.RefundPending = true
			if t.rec.ReservationID == "" {
				t.rec.ReservationID = rec.ReservationID
			}
		}
		if t.rec.RefundPending {
			s.refund(ctx, t)
		}
		if t.rec.Refunded {
			t.rec.RefundPending = false
			if err := s.store.SaveRequest(context.WithoutCancel(ctx), t.rec); err != nil {
				s.log.Error("persist refunded request failed", "request_id", rec.Request.ID, "error", err)
			} else {
				settled++
			}
		}
		t.mu.Unlock()
	}
	if settled > 0 {
		s.log.Info("pending refunds settled", "count", settled)
	}
	return settled, nil
}

// sweep 删除窗口外的去重指纹和已结束的请求，后者之后按需从存储加载。
// 仍待退还的请求留在内存
func (s *Service) sweep() (fingerprints, records int) {
	now := s.now()
	s.dedupe.Range(func(k, v any) bool {
		if now.Sub(v.(*dedupeEntry).at) > s.opts.DedupeWindow && s.dedupe.CompareAndDelete(k, v) {
			fingerprints++
		}
		return true
	})
	s.records.Range(func(k, v any) bool {
		t := v.(*tracked)
		if !t.currentStatus().IsTerminal() || !t.mu.TryLock() {
			return true
		}
		evict := !t.rec.RefundPending
		t.mu.Unlock()
		if evict && s.records.CompareAndDelete(k, v) {
			records++
		}
		return true
	})
	if fingerprints+records > 0 {
		s.log.Debug("orchestrator state swept", "fingerprints", fingerprints, "records", records)
	}
	return fingerprints, records
}
