package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/brightming/genflow/internal/asset"
	"github.com/brightming/genflow/internal/cache"
	"github.com/brightming/genflow/internal/generr"
	"github.com/brightming/genflow/internal/prompt"
	"github.com/brightming/genflow/pkg/model"
)

const (
	maxThemes        = 10
	maxVocabulary    = 20
	maxAssets        = 10
	maxShortField    = 50
	maxTitleLength   = 100
	maxVocabWordSize = 50
)

// Receipt Submit 的返回
type Receipt struct {
	RequestID    string       `json:"request_id"`
	Status       model.Status `json:"status"`
	Deduplicated bool         `json:"deduplicated,omitempty"`
}

// Submit 受理生成请求。校验、安全预检与配额预扣同步完成，生成在后台执行
func (s *Service) Submit(ctx context.Context, in model.GenerationRequest) (*Receipt, error) {
	req := normalizeRequest(in)
	if req.RequesterID == "" {
		return nil, generr.Validation("requester_id is required")
	}
	req.Fingerprint = fingerprint(req)

	if r := s.lookupDuplicate(ctx, req.Fingerprint); r != nil {
		s.metrics.RecordSubmission("deduplicated")
		return r, nil
	}

	tier := s.ledger.Tier(req.RequesterID)
	if !s.admit(req.RequesterID, tier.MaxInFlight) {
		s.metrics.RecordSubmission(string(generr.CodeConcurrencyLimited))
		return nil, &generr.Error{Code: generr.CodeConcurrencyLimited, Message: "too many requests in flight for this account"}
	}

	now := s.now().UTC()
	req.ID = uuid.NewString()
	req.CreatedAt = now
	t := newTracked(&model.RequestRecord{Request: req, Status: model.StatusPending, UpdatedAt: now})
	t.holdsSlot = true
	t.startedAt = now
	t.mu.Lock()
	defer t.mu.Unlock()
	s.records.Store(req.ID, t)

	claim, r := s.claimFingerprint(ctx, req.Fingerprint, req.ID)
	if r != nil {
		s.records.Delete(req.ID)
		s.releaseSlot(t)
		s.metrics.RecordSubmission("deduplicated")
		return r, nil
	}

	if err := s.store.SaveRequest(ctx, t.rec); err != nil {
		s.records.Delete(req.ID)
		s.releaseSlot(t)
		return nil, generr.Internal(err)
	}
	log := s.log.With("request_id", req.ID, "requester_id", req.RequesterID)

	if err := s.transition(ctx, t, model.StatusValidating, nil); err != nil {
		s.fail(ctx, t, err)
		return nil, err
	}

	analyses, err := s.validate(ctx, &req)
	var assembled prompt.Assembled
	if err == nil {
		assembled, err = prompt.Assemble(req, analyses)
		if err != nil {
			err = generr.Validation("%s", err.Error())
		}
	}
	if err != nil {
		log.Info("request failed validation", "error", err)
		s.fail(ctx, t, err)
		s.metrics.RecordSubmission(string(generr.CodeOf(err)))
		return nil, err
	}
	t.rec.Title = assembled.Title
	t.rec.AssembledPrompt = assembled.User

	pre := s.safety.PreCheck(assembled.User)
	if pre.Severity == model.SeverityHigh {
		rejected := generr.SafetyRejected(pre.Concerns)
		_ = s.transition(ctx, t, model.StatusRejected, func(rec *model.RequestRecord) {
			rec.Verdict = &pre
			rec.Failure = rejected.Failure()
		})
		// 未生成任何内容，重复提交重新预检，得到同样的 422
		s.dedupe.CompareAndDelete(req.Fingerprint, claim)
		log.Info("request rejected by pre-generation safety check", "concerns", len(pre.Concerns))
		s.metrics.RecordSubmission(string(generr.CodeSafetyRejected))
		return nil, rejected
	}
	if pre.Severity == model.SeverityLow {
		t.rec.NeedsStrictReview = true
	}

	// 预扣ID先落盘，进程在扣减后崩溃时 Resume 可据此释放
	t.rec.ReservationID = uuid.NewString()
	if err := s.store.SaveRequest(ctx, t.rec); err != nil {
		t.rec.ReservationID = ""
		s.fail(ctx, t, generr.Internal(err))
		return nil, generr.Internal(err)
	}
	res, _, err := s.ledger.TryReserve(ctx, req.RequesterID, s.opts.CostPerRequest, t.rec.ReservationID)
	if err != nil {
		t.rec.ReservationID = ""
		if generr.CodeOf(err) == generr.CodeQuotaExceeded {
			s.metrics.RecordQuotaRejection(tier.Name)
		}
		log.Info("quota reservation failed", "error", err)
		s.fail(ctx, t, err)
		s.metrics.RecordSubmission(string(generr.CodeOf(err)))
		return nil, err
	}
	t.reservation = res
	if err := s.transition(ctx, t, model.StatusQuotaReserved, func(rec *model.RequestRecord) {
		rec.ReservedCost = res.Cost
		rec.ReservedBonus = res.Bonus
	}); err != nil {
		s.fail(ctx, t, err)
		return nil, err
	}

	s.start(t)
	s.metrics.RecordSubmission("accepted")
	log.Info("request accepted", "fingerprint", req.Fingerprint[:12])
	return &Receipt{RequestID: req.ID, Status: model.StatusQuotaReserved}, nil
}

// lookupDuplicate 窗口内相同指纹且未失败/取消的请求直接复用
func (s *Service) lookupDuplicate(ctx context.Context, fp string) *Receipt {
	v, ok := s.dedupe.Load(fp)
	if !ok {
		return nil
	}
	e := v.(*dedupeEntry)
	if s.now().Sub(e.at) > s.opts.DedupeWindow {
		s.dedupe.CompareAndDelete(fp, e)
		return nil
	}
	return s.reusable(ctx, e)
}

// claimFingerprint 原子地登记指纹；若已被可复用的请求占用则返回该请求
func (s *Service) claimFingerprint(ctx context.Context, fp, id string) (*dedupeEntry, *Receipt) {
	entry := &dedupeEntry{id: id, at: s.now()}
	for {
		v, loaded := s.dedupe.LoadOrStore(fp, entry)
		if !loaded {
			return entry, nil
		}
		old := v.(*dedupeEntry)
		if r := s.reusable(ctx, old); r != nil {
			return nil, r
		}
		if s.dedupe.CompareAndSwap(fp, old, entry) {
			return entry, nil
		}
	}
}

// reusable 只读状态快照，不等待正在受理的请求释放锁
func (s *Service) reusable(ctx context.Context, e *dedupeEntry) *Receipt {
	if s.now().Sub(e.at) > s.opts.DedupeWindow {
		return nil
	}
	status, ok := s.statusOf(ctx, e.id)
	if !ok || status == model.StatusFailed || status == model.StatusCancelled {
		return nil
	}
	return &Receipt{RequestID: e.id, Status: status, Deduplicated: true}
}

// statusOf 已从内存清理的请求回落到存储查询
func (s *Service) statusOf(ctx context.Context, id string) (model.Status, bool) {
	if v, ok := s.records.Load(id); ok {
		return v.(*tracked).currentStatus(), true
	}
	rec, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return "", false
	}
	return rec.Status, true
}

func (s *Service) validate(ctx context.Context, req *model.GenerationRequest) ([]asset.Analysis, error) {
	n := utf8.RuneCountInString(req.Prompt)
	if n == 0 {
		return nil, generr.Validation("prompt must not be empty")
	}
	if n > s.opts.MaxPromptChars {
		return nil, generr.Validation("prompt exceeds %d characters", s.opts.MaxPromptChars)
	}
	p := req.Parameters
	if !oneOf(p.AgeBand, model.AgeBands) {
		return nil, generr.Validation("unsupported age_band %q", p.AgeBand)
	}
	if !oneOf(p.LengthTarget, model.LengthTargets) {
		return nil, generr.Validation("unsupported length_target %q", p.LengthTarget)
	}
	if p.TemplateID != "" {
		if _, ok := prompt.TemplateByID(p.TemplateID); !ok {
			return nil, generr.Validation("unknown template_id %q", p.TemplateID)
		}
	}
	if len(p.Themes) > maxThemes {
		return nil, generr.Validation("at most %d themes allowed", maxThemes)
	}
	for _, th := range p.Themes {
		if utf8.RuneCountInString(th) > maxShortField {
			return nil, generr.Validation("theme too long")
		}
	}
	if len(p.VocabularyFocus) > maxVocabulary {
		return nil, generr.Validation("at most %d vocabulary words allowed", maxVocabulary)
	}
	for _, w := range p.VocabularyFocus {
		if err := validateVocabularyWord(w); err != nil {
			return nil, err
		}
	}
	if utf8.RuneCountInString(p.CharacterName) > maxShortField {
		return nil, generr.Validation("character_name too long")
	}
	if utf8.RuneCountInString(p.Title) > maxTitleLength {
		return nil, generr.Validation("title too long")
	}
	if len(req.AssetIDs) > maxAssets {
		return nil, generr.Validation("at most %d assets allowed", maxAssets)
	}

	if req.DerivedFrom != "" {
		parent, err := s.load(ctx, req.DerivedFrom)
		if err != nil {
			return nil, generr.Validation("derived_from request %s not found", req.DerivedFrom)
		}
		parent.mu.Lock()
		owner := parent.rec.Request.RequesterID
		parent.mu.Unlock()
		if owner != req.RequesterID {
			return nil, generr.Validation("derived_from request %s not found", req.DerivedFrom)
		}
	}

	if len(req.AssetIDs) == 0 || s.assets == nil {
		if len(req.AssetIDs) > 0 {
			return nil, generr.Validation("assets are not supported")
		}
		return nil, nil
	}
	analyses, err := s.assets.Analyze(ctx, req.RequesterID, req.AssetIDs)
	if err != nil {
		var ge *generr.Error
		if errors.As(err, &ge) && (ge.Code == generr.CodeNotFound || ge.Code == generr.CodeForbidden) {
			return nil, generr.Validation("asset unavailable: %s", ge.Message)
		}
		return nil, generr.Internal(err)
	}
	return analyses, nil
}

func validateVocabularyWord(w string) error {
	if strings.TrimSpace(w) == "" {
		return generr.Validation("vocabulary word cannot be empty")
	}
	if len(w) > maxVocabWordSize {
		return generr.Validation("vocabulary word too long")
	}
	for _, r := range w {
		if !unicode.IsLetter(r) && !unicode.IsSpace(r) && r != '-' && r != '\'' {
			return generr.Validation("vocabulary word %q contains invalid characters", w)
		}
	}
	return nil
}

// normalizeRequest 规范化输入，相同语义的请求得到相同指纹
func normalizeRequest(in model.GenerationRequest) model.GenerationRequest {
	req := in
	req.RequesterID = strings.TrimSpace(in.RequesterID)
	req.TargetProfileID = strings.TrimSpace(in.TargetProfileID)
	req.Prompt = prompt.Normalize(in.Prompt)
	req.DerivedFrom = strings.TrimSpace(in.DerivedFrom)

	p := in.Parameters
	if p.LengthTarget == "" {
		p.LengthTarget = model.LengthMedium
	}
	p.Themes = cleanList(p.Themes, false)
	p.VocabularyFocus = cleanList(p.VocabularyFocus, false)
	p.TemplateID = strings.TrimSpace(p.TemplateID)
	p.CharacterName = prompt.Normalize(p.CharacterName)
	p.Title = prompt.Normalize(p.Title)
	req.Parameters = p
	req.AssetIDs = cleanList(in.AssetIDs, true)
	return req
}

func cleanList(in []string, sorted bool) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = prompt.Normalize(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	if sorted {
		sort.Strings(out)
	}
	return out
}

// fingerprint (请求方, 规范化提示词, 参数, 素材集合) 的SHA-256
func fingerprint(req model.GenerationRequest) string {
	params, _ := json.Marshal(req.Parameters)
	return cache.Fingerprint(req.RequesterID, req.Prompt, string(params), strings.Join(req.AssetIDs, ","))
}

func oneOf[T comparable](v T, allowed []T) bool {
	for _, a := range allowed {
		if a == v {
			return true
		}
	}
	return false
}
