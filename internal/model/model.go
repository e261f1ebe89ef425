// Package model содержит доменные сущности воронки калькулятора.
package model

import "time"

// Step описывает номер последнего полностью отправленного шага воронки.
type Step int

const (
	StepNone         Step = 0
	StepDemographics Step = 1
	StepLifestyle    Step = 2
	StepMacros       Step = 3
	StepContact      Step = 4
)

// Valid сообщает, входит ли шаг в допустимый диапазон.
func (s Step) Valid() bool {
	return s >= StepNone && s <= StepContact
}

// Next возвращает следующий шаг воронки или false, если воронка пройдена.
func (s Step) Next() (Step, bool) {
	if s >= StepContact {
		return StepContact, false
	}
	return s + 1, true
}

// PaymentStatus описывает статус оплаты сессии.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
)

// Sex описывает биологический пол, используемый в расчётах.
type Sex string

const (
	SexMale   Sex = "male"
	SexFemale Sex = "female"
)

// Macros содержит рассчитанные клиентом значения калорий и БЖУ.
type Macros struct {
	Calories float64 `json:"calories"`
	Protein  float64 `json:"protein"`
	Carbs    float64 `json:"carbs"`
	Fat      float64 `json:"fat"`
	BMR      float64 `json:"bmr,omitempty"`
	TDEE     float64 `json:"tdee,omitempty"`
}

// Demographics содержит ответы первого шага.
type Demographics struct {
	Sex      Sex     `json:"sex"`
	Age      int     `json:"age"`
	HeightCM float64 `json:"height"`
	WeightKG float64 `json:"weight"`
}

// Lifestyle содержит ответы второго шага.
type Lifestyle struct {
	ActivityLevel string `json:"activity_level"`
	Goal          string `json:"goal"`
	DietType      string `json:"diet_type,omitempty"`
}

// Contact содержит контактные данные и анкету здоровья четвёртого шага.
type Contact struct {
	Email            string `json:"email"`
	FirstName        string `json:"first_name"`
	LastName         string `json:"last_name"`
	Phone            string `json:"phone,omitempty"`
	HealthConditions string `json:"health_conditions,omitempty"`
	Medications      string `json:"medications,omitempty"`
	Allergies        string `json:"allergies,omitempty"`
	MarketingConsent bool   `json:"marketing_consent"`
}

// Session представляет прохождение воронки одним пользователем.
type Session struct {
	ID              string
	Token           string
	StepCompleted   Step
	IsPremium       bool
	PaymentStatus   PaymentStatus
	Demographics    Demographics
	Lifestyle       Lifestyle
	Macros          *Macros
	TierID          string
	PaymentIntentID string
	AmountCents     int64
	Contact         Contact
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// Paid сообщает, подтверждена ли оплата сессии.
func (s *Session) Paid() bool {
	return s.IsPremium && s.PaymentStatus == PaymentStatusCompleted
}

// PaymentTier описывает тариф из внешнего каталога.
type PaymentTier struct {
	ID           string
	Name         string
	Description  string
	PriceCents   int64
	Currency     string
	Active       bool
	DisplayOrder int
}

// ReportStatus описывает состояние генерации отчёта.
type ReportStatus string

const (
	ReportStatusQueued     ReportStatus = "queued"
	ReportStatusGenerating ReportStatus = "generating"
	ReportStatusCompleted  ReportStatus = "completed"
)

// ReportState хранит снимок машины состояний отчёта, хранится в report_json.
type ReportState struct {
	Status   ReportStatus `json:"status"`
	Stage    int          `json:"stage"`
	Progress int          `json:"progress,omitempty"`
}

// Report представляет сгенерированный персональный отчёт.
type Report struct {
	ID          string
	SessionID   string
	AccessToken string
	HTML        string
	State       ReportState
	IsExpired   bool
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired сообщает, истёк ли срок жизни отчёта на момент now.
func (r *Report) Expired(now time.Time) bool {
	return r.IsExpired || now.After(r.ExpiresAt)
}
