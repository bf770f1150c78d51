// Package safety 生成前后的内容安全检查
package safety

import (
	"regexp"
	"strings"
	"time"

	"github.com/brightming/genflow/pkg/model"
)

// 违禁词类别
const (
	CategoryViolence     = "violence"
	CategoryFear         = "fear"
	CategoryInsult       = "insult"
	CategoryCustom       = "custom"
	CategoryPII          = "pii"
	CategoryReadingLevel = "reading_level"
	CategoryEmpty        = "empty_content"
	CategoryClassifier   = "classifier"
)

// Term 违禁词
type Term struct {
	Word     string
	Category string
	Severity model.Severity
}

var defaultTerms = []Term{
	{"kill", CategoryViolence, model.SeverityHigh},
	{"blood", CategoryViolence, model.SeverityHigh},
	{"violence", CategoryViolence, model.SeverityHigh},
	{"death", CategoryViolence, model.SeverityHigh},
	{"die", CategoryViolence, model.SeverityHigh},
	{"scary", CategoryFear, model.SeverityLow},
	{"nightmare", CategoryFear, model.SeverityLow},
	{"monster", CategoryFear, model.SeverityLow},
	{"ghost", CategoryFear, model.SeverityLow},
	{"demon", CategoryFear, model.SeverityHigh},
	{"devil", CategoryFear, model.SeverityHigh},
	{"hate", CategoryInsult, model.SeverityLow},
	{"stupid", CategoryInsult, model.SeverityLow},
	{"dumb", CategoryInsult, model.SeverityLow},
}

type compiledTerm struct {
	Term
	re *regexp.Regexp
}

// Policy 只读的安全策略，可在多个检查间共享
type Policy struct {
	terms             []compiledTerm
	MinReadingScore   float64
	ClassifierTimeout time.Duration
}

// NewPolicy 内置词表加上额外词（按高风险处理）
func NewPolicy(minReadingScore float64, classifierTimeout time.Duration, extra ...string) *Policy {
	terms := append([]Term(nil), defaultTerms...)
	for _, w := range extra {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		terms = append(terms, Term{Word: w, Category: CategoryCustom, Severity: model.SeverityHigh})
	}
	if classifierTimeout <= 0 {
		classifierTimeout = 3 * time.Second
	}
	p := &Policy{MinReadingScore: minReadingScore, ClassifierTimeout: classifierTimeout}
	for _, t := range terms {
		p.terms = append(p.terms, compiledTerm{
			Term: t,
			re:   regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(t.Word) + `(s|es|d|ed|ing)?\b`),
		})
	}
	return p
}

// DefaultPolicy 默认策略
func DefaultPolicy() *Policy {
	return NewPolicy(60, 3*time.Second)
}

// denyListConcerns 每个命中词一条
func (p *Policy) denyListConcerns(text string) []model.Concern {
	var out []model.Concern
	for _, t := range p.terms {
		if t.re.MatchString(text) {
			out = append(out, model.Concern{Category: t.Category, Severity: t.Severity, Detail: t.Word})
		}
	}
	return out
}

type piiPattern struct {
	kind     string
	severity model.Severity
	re       *regexp.Regexp
}

var piiPatterns = []piiPattern{
	{"email", model.SeverityHigh, regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)},
	{"phone", model.SeverityHigh, regexp.MustCompile(`(?:\+?\d{1,3}[\s.-]?)?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}\b`)},
	{"url", model.SeverityHigh, regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+`)},
	{"street_address", model.SeverityLow, regexp.MustCompile(`(?i)\b\d{1,5}\s+(?:[a-z]+\s+){1,3}(?:street|st|avenue|ave|road|rd|lane|ln|drive|dr|boulevard|blvd|court|ct)\b`)},
}

func piiConcerns(text string) []model.Concern {
	var out []model.Concern
	for _, p := range piiPatterns {
		if p.re.MatchString(text) {
			out = append(out, model.Concern{Category: CategoryPII, Severity: p.severity, Detail: p.kind})
		}
	}
	return out
}
