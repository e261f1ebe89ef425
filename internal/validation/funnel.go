// Package validation содержит функции валидации входных данных воронки.
package validation

import (
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/mmeshcher/macro-funnel/internal/apperror"
	"github.com/mmeshcher/macro-funnel/internal/model"
)

const (
	MinAge = 13
	MaxAge = 150

	maxNameLen   = 50
	maxDietLen   = 50
	maxPhoneLen  = 32
	maxNotesLen  = 2000
	maxEmailLen  = 254
	maxHeightCM  = 300
	maxWeightKG  = 700
	maxMacroKcal = 20000
)

var activityLevels = map[string]struct{}{
	"sedentary":   {},
	"light":       {},
	"moderate":    {},
	"active":      {},
	"very_active": {},
}

var goals = map[string]struct{}{
	"lose":     {},
	"maintain": {},
	"gain":     {},
}

// Demographics проверяет ответы первого шага.
func Demographics(d model.Demographics) *apperror.Error {
	var missing []string
	if d.Sex == "" {
		missing = append(missing, "sex")
	}
	if d.Age == 0 {
		missing = append(missing, "age")
	}
	if d.HeightCM == 0 {
		missing = append(missing, "height")
	}
	if d.WeightKG == 0 {
		missing = append(missing, "weight")
	}
	if len(missing) > 0 {
		return apperror.MissingFields(missing...)
	}

	var errs []apperror.FieldError
	if d.Sex != model.SexMale && d.Sex != model.SexFemale {
		errs = append(errs, invalid("sex", "sex must be male or female"))
	}
	if d.Age < MinAge || d.Age > MaxAge {
		errs = append(errs, invalid("age", fmt.Sprintf("age must be between %d and %d", MinAge, MaxAge)))
	}
	if d.HeightCM < 0 || d.HeightCM > maxHeightCM {
		errs = append(errs, invalid("height", "height is out of range"))
	}
	if d.WeightKG < 0 || d.WeightKG > maxWeightKG {
		errs = append(errs, invalid("weight", "weight is out of range"))
	}
	return result(errs)
}

// Lifestyle проверяет ответы второго шага.
func Lifestyle(l model.Lifestyle) *apperror.Error {
	var missing []string
	if l.ActivityLevel == "" {
		missing = append(missing, "activity_level")
	}
	if l.Goal == "" {
		missing = append(missing, "goal")
	}
	if len(missing) > 0 {
		return apperror.MissingFields(missing...)
	}

	var errs []apperror.FieldError
	if _, ok := activityLevels[l.ActivityLevel]; !ok {
		errs = append(errs, invalid("activity_level", "unknown activity level"))
	}
	if _, ok := goals[l.Goal]; !ok {
		errs = append(errs, invalid("goal", "goal must be lose, maintain or gain"))
	}
	if utf8.RuneCountInString(l.DietType) > maxDietLen {
		errs = append(errs, invalid("diet_type", "diet type is too long"))
	}
	return result(errs)
}

// Macros проверяет рассчитанные значения третьего шага.
func Macros(m *model.Macros) *apperror.Error {
	if m == nil {
		return apperror.MissingFields("calculated_macros")
	}

	var errs []apperror.FieldError
	if m.Calories <= 0 || m.Calories > maxMacroKcal {
		errs = append(errs, invalid("calculated_macros.calories", "calories must be positive"))
	}
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"calculated_macros.protein", m.Protein},
		{"calculated_macros.carbs", m.Carbs},
		{"calculated_macros.fat", m.Fat},
	} {
		if f.value < 0 {
			errs = append(errs, invalid(f.name, "value must not be negative"))
		}
	}
	return result(errs)
}

// Contact проверяет контактные данные четвёртого шага. Ошибки накапливаются
// по всем полям, а не возвращаются по первой.
func Contact(c model.Contact) *apperror.Error {
	var errs []apperror.FieldError

	if !IsEmail(c.Email) {
		errs = append(errs, apperror.FieldError{
			Field:   "email",
			Code:    apperror.CodeInvalidEmail,
			Message: "email address is invalid",
		})
	}
	errs = appendLength(errs, "first_name", c.FirstName, 1, maxNameLen)
	errs = appendLength(errs, "last_name", c.LastName, 1, maxNameLen)
	errs = appendLength(errs, "phone", c.Phone, 0, maxPhoneLen)
	errs = appendLength(errs, "health_conditions", c.HealthConditions, 0, maxNotesLen)
	errs = appendLength(errs, "medications", c.Medications, 0, maxNotesLen)
	errs = appendLength(errs, "allergies", c.Allergies, 0, maxNotesLen)

	return result(errs)
}

// IsEmail проверяет, что s является адресом электронной почты без отображаемого имени.
func IsEmail(s string) bool {
	if s == "" || len(s) > maxEmailLen {
		return false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return false
	}
	at := strings.LastIndexByte(s, '@')
	domain := s[at+1:]
	return strings.Contains(domain, ".") && !strings.HasSuffix(domain, ".")
}

func appendLength(errs []apperror.FieldError, field, value string, min, max int) []apperror.FieldError {
	n := utf8.RuneCountInString(strings.TrimSpace(value))
	if n < min || n > max {
		return append(errs, invalid(field, fmt.Sprintf("%s must be between %d and %d characters", field, min, max)))
	}
	return errs
}

func invalid(field, msg string) apperror.FieldError {
	return apperror.FieldError{Field: field, Code: apperror.CodeValidationFailed, Message: msg}
}

func result(errs []apperror.FieldError) *apperror.Error {
	if len(errs) == 0 {
		return nil
	}
	return apperror.Validation(errs)
}
