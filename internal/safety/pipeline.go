package safety

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/brightming/genflow/internal/logger"
	"github.com/brightming/genflow/internal/observability"
	"github.com/brightming/genflow/pkg/metrics"
	"github.com/brightming/genflow/pkg/model"
)

// Pipeline 每次检查无状态，只共享只读的 Policy
type Pipeline struct {
	policy     *Policy
	classifier Classifier
	log        *logger.Logger
	metrics    *metrics.Registry
}

// NewPipeline classifier 可为空
func NewPipeline(policy *Policy, classifier Classifier, log *logger.Logger, m *metrics.Registry) *Pipeline {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Pipeline{policy: policy, classifier: classifier, log: log.With("component", "safety"), metrics: m}
}

// PreCheck 生成前对组装后的提示词做违禁词检查
func (p *Pipeline) PreCheck(prompt string) model.SafetyVerdict {
	v := verdict(model.StagePreGeneration, p.policy.denyListConcerns(prompt))
	p.metrics.RecordVerdict(v)
	return v
}

// PostCheck 生成后检查：违禁词、个人信息、阅读难度、外部分类器
func (p *Pipeline) PostCheck(ctx context.Context, content string, params model.Parameters) model.SafetyVerdict {
	ctx, span := observability.StartSpan(ctx, "safety.post_check", attribute.String("age_band", string(params.AgeBand)))
	defer span.End()

	if strings.TrimSpace(content) == "" {
		v := verdict(model.StagePostGeneration, []model.Concern{{Category: CategoryEmpty, Severity: model.SeverityHigh}})
		p.metrics.RecordVerdict(v)
		return v
	}

	concerns := p.policy.denyListConcerns(content)
	pii := piiConcerns(content)
	concerns = append(concerns, pii...)

	score := ReadingScore(content, params.AgeBand)
	if score < p.policy.MinReadingScore {
		concerns = append(concerns, model.Concern{
			Category: CategoryReadingLevel,
			Severity: model.SeverityLow,
			Detail:   fmt.Sprintf("score %.1f below %.1f for age band %s", score, p.policy.MinReadingScore, params.AgeBand),
		})
	}

	inconclusive := false
	if p.classifier != nil {
		extra, err := p.classify(ctx, content, params.AgeBand)
		if err != nil {
			inconclusive = true
			p.log.Warn("classifier inconclusive", "error", err)
		} else {
			concerns = append(concerns, extra...)
		}
	}

	v := verdict(model.StagePostGeneration, concerns)
	v.PIIDetected = len(pii) > 0
	v.ReadingScore = score
	v.Inconclusive = inconclusive
	if inconclusive {
		v.Passed = false
	}
	span.SetAttributes(attribute.String("severity", string(v.Severity)), attribute.Bool("inconclusive", inconclusive))
	p.metrics.RecordVerdict(v)
	return v
}

func (p *Pipeline) classify(ctx context.Context, content string, band model.AgeBand) ([]model.Concern, error) {
	ctx, cancel := context.WithTimeout(ctx, p.policy.ClassifierTimeout)
	defer cancel()

	type result struct {
		concerns []model.Concern
		err      error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := p.classifier.Classify(ctx, content, band)
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		for i := range r.concerns {
			if r.concerns[i].Category == "" {
				r.concerns[i].Category = CategoryClassifier
			}
			r.concerns[i].Severity = model.SeverityNone.Max(r.concerns[i].Severity)
		}
		return r.concerns, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("classifier: %w", ctx.Err())
	}
}

func verdict(stage model.SafetyStage, concerns []model.Concern) model.SafetyVerdict {
	sev := model.SeverityNone
	for _, c := range concerns {
		sev = sev.Max(c.Severity)
	}
	return model.SafetyVerdict{
		Passed:   sev == model.SeverityNone,
		Severity: sev,
		Concerns: concerns,
		Stage:    stage,
	}
}
