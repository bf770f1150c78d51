// Package store 持久化请求记录、调用记录和审核决定
package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/brightming/genflow/internal/generr"
	"github.com/brightming/genflow/pkg/model"
)

// Store 编排器的持久化接口，重启后 Resume 依赖 ListNonTerminal
type Store interface {
	SaveRequest(ctx context.Context, rec *model.RequestRecord) error
	GetRequest(ctx context.Context, id string) (*model.RequestRecord, error)
	ListNonTerminal(ctx context.Context) ([]*model.RequestRecord, error)
	// ListPendingRefunds 退还失败、等待补偿的请求
	ListPendingRefunds(ctx context.Context) ([]*model.RequestRecord, error)
	// ListByStatus 按状态分页，需要严格审核的在前，其余按创建时间排序
	ListByStatus(ctx context.Context, status model.Status, offset, limit int) (*StatusPage, error)
	SaveAttempt(ctx context.Context, a model.GenerationAttempt) error
	ListAttempts(ctx context.Context, requestID string) ([]model.GenerationAttempt, error)
	// SaveDecision 每个请求只允许一条
	SaveDecision(ctx context.Context, d model.ReviewDecision) error
}

// StatusPage ListByStatus 的分页结果
type StatusPage struct {
	Records []*model.RequestRecord
	Total   int64
	Strict  int64 // Total 中需要严格审核的数量
}

// MemoryStore 进程内实现，重启即丢失
type MemoryStore struct {
	mu        sync.RWMutex
	requests  map[string][]byte
	attempts  map[string][]model.GenerationAttempt
	decisions map[string]model.ReviewDecision
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:  make(map[string][]byte),
		attempts:  make(map[string][]model.GenerationAttempt),
		decisions: make(map[string]model.ReviewDecision),
	}
}

// 记录以序列化形式保存，读写双方互不共享指针
type storedRecord struct {
	model.RequestRecord
	AssembledPrompt string `json:"assembled_prompt"`
}

func encodeRecord(rec *model.RequestRecord) ([]byte, error) {
	return json.Marshal(storedRecord{RequestRecord: *rec, AssembledPrompt: rec.AssembledPrompt})
}

func decodeRecord(raw []byte) (*model.RequestRecord, error) {
	var s storedRecord
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	rec := s.RequestRecord
	rec.AssembledPrompt = s.AssembledPrompt
	return &rec, nil
}

func (m *MemoryStore) SaveRequest(_ context.Context, rec *model.RequestRecord) error {
	raw, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.requests[rec.Request.ID] = raw
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*model.RequestRecord, error) {
	m.mu.RLock()
	raw, ok := m.requests[id]
	m.mu.RUnlock()
	if !ok {
		return nil, generr.NotFound("request", id)
	}
	return decodeRecord(raw)
}

func (m *MemoryStore) ListNonTerminal(_ context.Context) ([]*model.RequestRecord, error) {
	return m.filter(func(rec *model.RequestRecord) bool { return !rec.Status.IsTerminal() })
}

func (m *MemoryStore) ListPendingRefunds(_ context.Context) ([]*model.RequestRecord, error) {
	return m.filter(func(rec *model.RequestRecord) bool { return rec.RefundPending })
}

func (m *MemoryStore) ListByStatus(_ context.Context, status model.Status, offset, limit int) (*StatusPage, error) {
	recs, err := m.filter(func(rec *model.RequestRecord) bool { return rec.Status == status })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].NeedsStrictReview != recs[j].NeedsStrictReview {
			return recs[i].NeedsStrictReview
		}
		return false
	})
	page := &StatusPage{Total: int64(len(recs))}
	for _, rec := range recs {
		if rec.NeedsStrictReview {
			page.Strict++
		}
	}
	if offset < len(recs) {
		end := len(recs)
		if limit > 0 && offset+limit < end {
			end = offset + limit
		}
		page.Records = recs[offset:end]
	}
	return page, nil
}

// filter 按创建时间升序返回满足条件的记录
func (m *MemoryStore) filter(keep func(*model.RequestRecord) bool) ([]*model.RequestRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.RequestRecord
	for _, raw := range m.requests {
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		if keep(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Request.CreatedAt.Before(out[j].Request.CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SaveAttempt(_ context.Context, a model.GenerationAttempt) error {
	m.mu.Lock()
	m.attempts[a.RequestID] = append(m.attempts[a.RequestID], a)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ListAttempts(_ context.Context, requestID string) ([]model.GenerationAttempt, error) {
	m.mu.RLock()
	out := append([]model.GenerationAttempt(nil), m.attempts[requestID]...)
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *MemoryStore) SaveDecision(_ context.Context, d model.ReviewDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.decisions[d.RequestID]; ok {
		return errDecisionExists(d.RequestID)
	}
	m.decisions[d.RequestID] = d
	return nil
}

func errDecisionExists(requestID string) error {
	return &generr.Error{Code: generr.CodeInvalidState, Message: "decision already recorded for request " + requestID}
}
