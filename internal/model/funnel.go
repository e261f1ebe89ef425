package model

import "errors"

var (
	// ErrUnknownStep возвращается для шага вне диапазона 1–4.
	ErrUnknownStep = errors.New("unknown funnel step")
	// ErrStepOutOfOrder возвращается, если предыдущий шаг ещё не отправлен.
	ErrStepOutOfOrder = errors.New("previous funnel step not completed")
	// ErrPaymentRequired возвращается для премиальных шагов без подтверждённой оплаты.
	ErrPaymentRequired = errors.New("payment required")
	// ErrReportTransition возвращается при недопустимом переходе состояния отчёта.
	ErrReportTransition = errors.New("illegal report state transition")
)

type stepRule struct {
	requires    Step
	paymentOnly bool
}

// funnelRules — таблица переходов воронки: какой шаг должен быть пройден
// до отправки данного и требует ли шаг оплаты.
var funnelRules = map[Step]stepRule{
	StepDemographics: {requires: StepNone},
	StepLifestyle:    {requires: StepDemographics},
	StepMacros:       {requires: StepLifestyle},
	StepContact:      {requires: StepMacros, paymentOnly: true},
}

// CheckSubmit проверяет, можно ли отправить шаг step для сессии s.
// Повторная отправка уже пройденного шага разрешена.
func CheckSubmit(s *Session, step Step) error {
	rule, ok := funnelRules[step]
	if !ok {
		return ErrUnknownStep
	}
	// Оплата проверяется раньше порядка: клиенту важнее узнать, что шаг платный.
	if rule.paymentOnly && !s.Paid() {
		return ErrPaymentRequired
	}
	if s.StepCompleted < rule.requires {
		return ErrStepOutOfOrder
	}
	return nil
}

// Advance отмечает шаг step как пройденный. step_completed не убывает.
func (s *Session) Advance(step Step) {
	if step > s.StepCompleted {
		s.StepCompleted = step
	}
}

// MarkPaid переводит сессию в оплаченное состояние.
func (s *Session) MarkPaid() {
	s.IsPremium = true
	s.PaymentStatus = PaymentStatusCompleted
}

// MaxReportStage задаёт номер последней стадии генерации отчёта.
const MaxReportStage = 5

// Queued возвращает начальное состояние отчёта.
func Queued() ReportState {
	return ReportState{Status: ReportStatusQueued, Stage: 0}
}

// Generating возвращает состояние отчёта на стадии stage.
func Generating(stage int) ReportState {
	return ReportState{Status: ReportStatusGenerating, Stage: stage, Progress: stage * 100 / (MaxReportStage + 1)}
}

// Completed возвращает финальное состояние отчёта.
func Completed() ReportState {
	return ReportState{Status: ReportStatusCompleted, Stage: MaxReportStage, Progress: 100}
}

// CanTransition сообщает, допустим ли переход из from в to.
// Завершённый отчёт неизменяем, стадии не откатываются назад.
func CanTransition(from, to ReportState) bool {
	switch from.Status {
	case ReportStatusQueued:
		return to.Status == ReportStatusGenerating || to.Status == ReportStatusCompleted
	case ReportStatusGenerating:
		if to.Status == ReportStatusCompleted {
			return true
		}
		return to.Status == ReportStatusGenerating && to.Stage >= from.Stage && to.Stage <= MaxReportStage
	default:
		return false
	}
}
