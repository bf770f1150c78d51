package model

// Severity 风险等级
type Severity string

const (
	SeverityNone Severity = "none"
	SeverityLow  Severity = "low"
	SeverityHigh Severity = "high"
)

// Rank 用于比较等级高低
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Max 返回较高的等级
func (s Severity) Max(other Severity) Severity {
	if other.Rank() > s.Rank() {
		return other
	}
	if s == "" {
		return SeverityNone
	}
	return s
}

// Concern 单项安全问题
type Concern struct {
	Category string   `json:"category"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail,omitempty"`
}

// SafetyStage 检查阶段
type SafetyStage string

const (
	StagePreGeneration  SafetyStage = "pre_generation"
	StagePostGeneration SafetyStage = "post_generation"
)

// SafetyVerdict 安全检查结论
type SafetyVerdict struct {
	Passed       bool        `json:"passed"`
	Severity     Severity    `json:"severity"`
	Concerns     []Concern   `json:"concerns,omitempty"`
	PIIDetected  bool        `json:"pii_detected"`
	Inconclusive bool        `json:"inconclusive"`
	ReadingScore float64     `json:"reading_score"`
	Stage        SafetyStage `json:"stage"`
}
