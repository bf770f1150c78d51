package model

import "time"

// Status 生成请求状态
type Status string

const (
	StatusPending        Status = "pending"
	StatusValidating     Status = "validating"
	StatusQuotaReserved  Status = "quota_reserved"
	StatusGenerating     Status = "generating"
	StatusSafetyChecking Status = "safety_checking"
	StatusReadyForReview Status = "ready_for_review"
	StatusApproved       Status = "approved"
	StatusRejected       Status = "rejected"
	StatusEdited         Status = "edited"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
)

// AllStatuses 全部状态，按生命周期顺序
var AllStatuses = []Status{
	StatusPending,
	StatusValidating,
	StatusQuotaReserved,
	StatusGenerating,
	StatusSafetyChecking,
	StatusReadyForReview,
	StatusApproved,
	StatusRejected,
	StatusEdited,
	StatusFailed,
	StatusCancelled,
}

// IsTerminal 是否为终态
func (s Status) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusEdited, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// AgeBand 目标年龄段
type AgeBand string

const (
	AgeToddler     AgeBand = "2-4"
	AgePreschool   AgeBand = "4-6"
	AgeEarlyReader AgeBand = "6-8"
	AgeMiddle      AgeBand = "8-12"
)

// AgeBands 允许的年龄段
var AgeBands = []AgeBand{AgeToddler, AgePreschool, AgeEarlyReader, AgeMiddle}

// LengthTarget 篇幅目标
type LengthTarget string

const (
	LengthShort  LengthTarget = "short"
	LengthMedium LengthTarget = "medium"
	LengthLong   LengthTarget = "long"
)

// LengthTargets 允许的篇幅
var LengthTargets = []LengthTarget{LengthShort, LengthMedium, LengthLong}

// Parameters 结构化生成参数
type Parameters struct {
	AgeBand         AgeBand      `json:"age_band" binding:"required"`
	LengthTarget    LengthTarget `json:"length_target,omitempty"`
	Themes          []string     `json:"themes,omitempty"`
	VocabularyFocus []string     `json:"vocabulary_focus,omitempty"`
	TemplateID      string       `json:"template_id,omitempty"`
	CharacterName   string       `json:"character_name,omitempty"`
	Title           string       `json:"title,omitempty"`
	IncludeImages   bool         `json:"include_images,omitempty"`
}

// GenerationRequest 生成请求，受理后不可变
type GenerationRequest struct {
	ID              string     `json:"id"`
	RequesterID     string     `json:"requester_id"`
	TargetProfileID string     `json:"target_profile_id,omitempty"`
	Prompt          string     `json:"prompt"`
	Parameters      Parameters `json:"parameters"`
	AssetIDs        []string   `json:"asset_ids,omitempty"`
	DerivedFrom     string     `json:"derived_from,omitempty"`
	Fingerprint     string     `json:"fingerprint"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Failure 非成功终态的结构化原因
type Failure struct {
	Code            string     `json:"code"`
	Message         string     `json:"message"`
	ResetAt         *time.Time `json:"reset_at,omitempty"`
	Concerns        []Concern  `json:"concerns,omitempty"`
	FailedProviders int        `json:"failed_providers,omitempty"`
}

// Outcome 单次调用结果
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// ErrorClass 错误分类
type ErrorClass string

const (
	ErrorClassNone        ErrorClass = ""
	ErrorClassTimeout     ErrorClass = "timeout"
	ErrorClassRateLimited ErrorClass = "rate_limited"
	ErrorClassTransient   ErrorClass = "transient"
	ErrorClassRejected    ErrorClass = "rejected"
	ErrorClassAuth        ErrorClass = "auth"
	ErrorClassCancelled   ErrorClass = "cancelled"
	ErrorClassInternal    ErrorClass = "internal"
)

// Retryable 是否可在下一个Provider上重试
func (c ErrorClass) Retryable() bool {
	switch c {
	case ErrorClassTimeout, ErrorClassRateLimited, ErrorClassTransient:
		return true
	}
	return false
}

// GenerationAttempt 一次Provider调用记录
type GenerationAttempt struct {
	ID           string     `json:"id"`
	RequestID    string     `json:"request_id"`
	Seq          int        `json:"seq"`
	ProviderID   string     `json:"provider_id"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      time.Time  `json:"ended_at"`
	TokensInput  int        `json:"tokens_input"`
	TokensOutput int        `json:"tokens_output"`
	Cost         float64    `json:"cost"`
	Outcome      Outcome    `json:"outcome"`
	ErrorClass   ErrorClass `json:"error_class,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// Usage 资源消耗
type Usage struct {
	TokensInput  int     `json:"tokens_input"`
	TokensOutput int     `json:"tokens_output"`
	Cost         float64 `json:"cost"`
}

// Provenance 成品来源
type Provenance string

const (
	ProvenanceGenerated     Provenance = "generated"
	ProvenanceHumanModified Provenance = "human_modified"
)

// Artifact 最终成品
type Artifact struct {
	RequestID          string     `json:"request_id"`
	Title              string     `json:"title"`
	Content            string     `json:"content"`
	Provenance         Provenance `json:"provenance"`
	ReadingTimeSeconds int        `json:"reading_time_seconds"`
	ApprovedAt         time.Time  `json:"approved_at"`
}

// DecisionAction 审核动作
type DecisionAction string

const (
	DecisionApprove DecisionAction = "approve"
	DecisionReject  DecisionAction = "reject"
	DecisionEdit    DecisionAction = "edit"
)

// ReviewDecision 人工审核决定，记录后不可变
type ReviewDecision struct {
	ID            string         `json:"id"`
	RequestID     string         `json:"request_id"`
	ReviewerID    string         `json:"reviewer_id"`
	Action        DecisionAction `json:"action" binding:"required"`
	EditedContent string         `json:"edited_content,omitempty"`
	Notes         string         `json:"notes,omitempty"`
	DecidedAt     time.Time      `json:"decided_at"`
}

// RequestRecord 请求的完整状态视图，用于持久化和查询
type RequestRecord struct {
	Request           GenerationRequest `json:"request"`
	Status            Status            `json:"status"`
	Title             string            `json:"title,omitempty"`
	AssembledPrompt   string            `json:"-"`
	Content           string            `json:"content,omitempty"`
	Usage             Usage             `json:"usage"`
	Verdict           *SafetyVerdict    `json:"verdict,omitempty"`
	NeedsStrictReview bool              `json:"needs_strict_review"`
	Failure           *Failure          `json:"failure,omitempty"`
	Artifact          *Artifact         `json:"artifact,omitempty"`
	Decision          *ReviewDecision   `json:"decision,omitempty"`
	ReservationID     string            `json:"reservation_id,omitempty"`
	ReservedCost      int               `json:"reserved_cost"`
	ReservedBonus     int               `json:"reserved_bonus"`
	Refunded          bool              `json:"refunded"`
	RefundPending     bool              `json:"refund_pending,omitempty"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// StatusView GetStatus 的返回
type StatusView struct {
	RequestID         string              `json:"request_id"`
	Status            Status              `json:"status"`
	Attempts          []GenerationAttempt `json:"attempts"`
	Verdict           *SafetyVerdict      `json:"verdict,omitempty"`
	NeedsStrictReview bool                `json:"needs_strict_review"`
	Artifact          *Artifact           `json:"artifact,omitempty"`
	Draft             string              `json:"draft,omitempty"`
	Failure           *Failure            `json:"failure,omitempty"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// ReviewQueueItem 待审核草稿
type ReviewQueueItem struct {
	RequestID         string         `json:"request_id"`
	RequesterID       string         `json:"requester_id"`
	Title             string         `json:"title,omitempty"`
	Draft             string         `json:"draft"`
	NeedsStrictReview bool           `json:"needs_strict_review"`
	Verdict           *SafetyVerdict `json:"verdict,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// ReviewQueue 审核队列分页，严格审核的排在前面
type ReviewQueue struct {
	Items  []ReviewQueueItem `json:"items"`
	Total  int64             `json:"total"`
	Strict int64             `json:"strict"`
	Page   int               `json:"page"`
	Limit  int               `json:"limit"`
}
