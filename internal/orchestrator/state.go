package orchestrator

import "github.com/brightming/genflow/pkg/model"

// transitions 合法状态迁移表，未列出的迁移一律非法
var transitions = map[model.Status][]model.Status{
	model.StatusPending:        {model.StatusValidating, model.StatusFailed, model.StatusCancelled},
	model.StatusValidating:     {model.StatusQuotaReserved, model.StatusRejected, model.StatusFailed, model.StatusCancelled},
	model.StatusQuotaReserved:  {model.StatusGenerating, model.StatusFailed, model.StatusCancelled},
	model.StatusGenerating:     {model.StatusSafetyChecking, model.StatusFailed, model.StatusCancelled},
	model.StatusSafetyChecking: {model.StatusReadyForReview, model.StatusRejected, model.StatusFailed, model.StatusCancelled},
	model.StatusReadyForReview: {model.StatusApproved, model.StatusRejected, model.StatusEdited, model.StatusFailed},
}

// CanTransition 判断 from -> to 是否合法
func CanTransition(from, to model.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Cancellable 允许调用方取消的状态
func Cancellable(s model.Status) bool {
	switch s {
	case model.StatusPending, model.StatusValidating, model.StatusQuotaReserved, model.StatusGenerating:
		return true
	}
	return false
}

// active 仍占用并发名额的状态
func active(s model.Status) bool {
	return !s.IsTerminal() && s != model.StatusReadyForReview
}

// refundable 进入该状态时应退还预扣额度。人工拒绝不退
func refundable(from, to model.Status) bool {
	switch to {
	case model.StatusFailed, model.StatusCancelled:
		return true
	case model.StatusRejected:
		return from != model.StatusReadyForReview
	}
	return false
}
