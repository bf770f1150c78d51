// Package asset 解析请求引用的素材并生成可用于提示词的分析结果
package asset

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/brightming/genflow/internal/cache"
	"github.com/brightming/genflow/internal/generr"
	"github.com/brightming/genflow/internal/textutil"
)

// Asset 用户上传的素材（角色、图片描述等）
type Asset struct {
	ID          string   `json:"id" gorm:"primaryKey;size:64"`
	OwnerID     string   `json:"owner_id" gorm:"size:64;index"`
	Kind        string   `json:"kind" gorm:"size:32"`
	Description string   `json:"description" gorm:"type:text"`
	Tags        []string `json:"tags" gorm:"serializer:json"`
}

// Resolver 按ID取素材；不存在返回 not_found，不属于请求方返回 forbidden
type Resolver interface {
	Resolve(ctx context.Context, requesterID, assetID string) (*Asset, error)
}

// Store 可写的素材表
type Store interface {
	Resolver
	Save(ctx context.Context, a *Asset) error
}

// StaticResolver 内存素材表
type StaticResolver struct {
	mu     sync.RWMutex
	assets map[string]Asset
}

func NewStaticResolver(assets ...Asset) *StaticResolver {
	r := &StaticResolver{assets: make(map[string]Asset)}
	for _, a := range assets {
		r.assets[a.ID] = a
	}
	return r
}

func (r *StaticResolver) Put(a Asset) {
	r.mu.Lock()
	r.assets[a.ID] = a
	r.mu.Unlock()
}

func (r *StaticResolver) Save(_ context.Context, a *Asset) error {
	r.Put(*a)
	return nil
}

func (r *StaticResolver) Resolve(_ context.Context, requesterID, assetID string) (*Asset, error) {
	r.mu.RLock()
	a, ok := r.assets[assetID]
	r.mu.RUnlock()
	if !ok {
		return nil, generr.NotFound("asset", assetID)
	}
	if a.OwnerID != "" && a.OwnerID != requesterID {
		return nil, generr.Forbidden("asset %s is not accessible", assetID)
	}
	return &a, nil
}

// Analysis 素材分析结果
type Analysis struct {
	AssetID  string   `json:"asset_id"`
	Kind     string   `json:"kind"`
	Summary  string   `json:"summary"`
	Keywords []string `json:"keywords,omitempty"`
}

// Analyzer 解析并分析素材，分析结果按内容指纹缓存
type Analyzer struct {
	resolver    Resolver
	cache       *cache.Cache
	parallelism int
}

func NewAnalyzer(resolver Resolver, c *cache.Cache) *Analyzer {
	return &Analyzer{resolver: resolver, cache: c, parallelism: 4}
}

// Analyze 并行解析全部素材，任一失败即返回该错误；结果顺序与输入一致
func (a *Analyzer) Analyze(ctx context.Context, requesterID string, assetIDs []string) ([]Analysis, error) {
	if len(assetIDs) == 0 {
		return nil, nil
	}
	out := make([]Analysis, len(assetIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.parallelism)
	for i, id := range assetIDs {
		i, id := i, id
		g.Go(func() error {
			asset, err := a.resolver.Resolve(gctx, requesterID, id)
			if err != nil {
				return err
			}
			an, err := a.analyze(gctx, asset)
			if err != nil {
				return err
			}
			out[i] = an
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Analyzer) analyze(ctx context.Context, asset *Asset) (Analysis, error) {
	compute := func(context.Context) ([]byte, error) {
		return json.Marshal(describe(asset))
	}
	if a.cache == nil {
		return describe(asset), nil
	}
	key := cache.Fingerprint("asset-analysis", asset.ID, asset.Kind, asset.Description, strings.Join(asset.Tags, ","))
	raw, err := a.cache.GetOrCompute(ctx, key, compute)
	if err != nil {
		return Analysis{}, err
	}
	var an Analysis
	if err := json.Unmarshal(raw, &an); err != nil {
		return describe(asset), nil
	}
	return an, nil
}

func describe(asset *Asset) Analysis {
	summary := strings.Join(strings.Fields(asset.Description), " ")
	summary = textutil.Truncate(summary, 200)
	seen := make(map[string]bool)
	var keywords []string
	for _, t := range asset.Tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && !seen[t] {
			seen[t] = true
			keywords = append(keywords, t)
		}
	}
	sort.Strings(keywords)
	return Analysis{AssetID: asset.ID, Kind: asset.Kind, Summary: summary, Keywords: keywords}
}
