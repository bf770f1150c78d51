package orchestrator

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/brightming/genflow/internal/generr"
	"github.com/brightming/genflow/internal/observability"
	"github.com/brightming/genflow/internal/prompt"
	"github.com/brightming/genflow/pkg/model"
	"github.com/brightming/genflow/pkg/provider"
)

const generationTemperature = 0.8

// start 启动后台任务；调用方持有 t.mu
func (s *Service) start(t *tracked) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.TaskTimeout)
	t.cancel = cancel
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		defer cancel()
		s.run(ctx, t)
	}()
}

// run 生成并做安全检查，最终停在 ready_for_review 或终态
func (s *Service) run(ctx context.Context, t *tracked) {
	t.mu.Lock()
	id := t.rec.Request.ID
	status := t.rec.Status
	t.mu.Unlock()

	ctx, span := observability.StartSpan(ctx, "generation.task", attribute.String("request.id", id))
	defer span.End()
	log := s.log.With("request_id", id)

	if status != model.StatusSafetyChecking {
		if ok := s.generate(ctx, t); !ok {
			return
		}
	}

	t.mu.Lock()
	content := t.rec.Content
	params := t.rec.Request.Parameters
	t.mu.Unlock()

	verdict := s.safety.PostCheck(ctx, content, params)

	t.mu.Lock()
	defer t.mu.Unlock()
	if verdict.Severity == model.SeverityHigh {
		rejected := generr.SafetyRejected(verdict.Concerns)
		if err := s.transition(ctx, t, model.StatusRejected, func(rec *model.RequestRecord) {
			rec.Verdict = &verdict
			rec.Failure = rejected.Failure()
		}); err == nil {
			log.Info("draft rejected by safety check", "concerns", len(verdict.Concerns))
		}
		return
	}
	err := s.transition(ctx, t, model.StatusReadyForReview, func(rec *model.RequestRecord) {
		rec.Verdict = &verdict
		if verdict.Severity == model.SeverityLow || verdict.Inconclusive {
			rec.NeedsStrictReview = true
		}
	})
	if err == nil {
		log.Info("draft ready for review", "strict_review", t.rec.NeedsStrictReview)
	}
}

// generate 申请工作槽并调用Router；返回 false 表示请求已结束
func (s *Service) generate(ctx context.Context, t *tracked) bool {
	if err := s.workers.Acquire(ctx, 1); err != nil {
		s.settleInterrupted(ctx, t, err)
		return false
	}
	defer s.workers.Release(1)

	t.mu.Lock()
	if t.rec.Status == model.StatusQuotaReserved {
		if err := s.transition(ctx, t, model.StatusGenerating, nil); err != nil {
			t.mu.Unlock()
			return false
		}
	} else if t.rec.Status != model.StatusGenerating {
		// 已被取消
		t.mu.Unlock()
		return false
	}
	rec := t.rec
	genReq := &provider.GenerateRequest{
		RequestID:    rec.Request.ID,
		SystemPrompt: prompt.SystemPrompt,
		Prompt:       rec.AssembledPrompt,
		MaxTokens:    prompt.MaxTokens(rec.Request.Parameters.LengthTarget),
		Temperature:  generationTemperature,
	}
	t.mu.Unlock()

	// 恢复执行时接着已有的调用序号
	base := 0
	if prior, lerr := s.store.ListAttempts(ctx, genReq.RequestID); lerr == nil {
		base = len(prior)
	}
	result, err := s.router.Invoke(ctx, genReq, func(a model.GenerationAttempt) {
		a.Seq += base
		if serr := s.store.SaveAttempt(context.WithoutCancel(ctx), a); serr != nil {
			s.log.Error("persist attempt failed", "request_id", a.RequestID, "seq", a.Seq, "error", serr)
		}
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		if t.rec.Status.IsTerminal() {
			return false
		}
		if ge := generr.As(err); ge != nil && (ge.Code == generr.CodeCancelled || ge.Code == generr.CodeTimeout) {
			s.settleInterruptedLocked(ctx, t, err)
			return false
		}
		s.log.Warn("generation failed", "request_id", t.rec.Request.ID, "error", err)
		s.fail(ctx, t, err)
		return false
	}

	if err := s.transition(ctx, t, model.StatusSafetyChecking, func(rec *model.RequestRecord) {
		rec.Content = result.Output.Text
		rec.Usage = model.Usage{
			TokensInput:  result.Output.TokensInput,
			TokensOutput: result.Output.TokensOutput,
			Cost:         result.Cost,
		}
	}); err != nil {
		// 生成期间已被取消，丢弃结果
		return false
	}
	return true
}

func (s *Service) settleInterrupted(ctx context.Context, t *tracked, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.settleInterruptedLocked(ctx, t, err)
}

// settleInterruptedLocked 任务超时记为 failed(timeout)；主动取消时 Cancel 已完成迁移
func (s *Service) settleInterruptedLocked(ctx context.Context, t *tracked, err error) {
	if t.rec.Status.IsTerminal() {
		return
	}
	if errors.Is(err, context.DeadlineExceeded) || generr.CodeOf(err) == generr.CodeTimeout {
		s.fail(ctx, t, &generr.Error{Code: generr.CodeTimeout, Message: "generation did not finish in time", Err: err})
		return
	}
	_ = s.transition(ctx, t, model.StatusCancelled, func(rec *model.RequestRecord) {
		rec.Failure = &model.Failure{Code: string(generr.CodeCancelled), Message: "generation cancelled"}
	})
}
