// Package ratelimit реализует ограничение частоты запросов по токену сессии
// с фиксированным окном.
package ratelimit

import (
	"context"
	"time"
)

// Bucket обозначает группу эндпоинтов с общим лимитом.
type Bucket string

const (
	BucketStep    Bucket = "step"
	BucketPayment Bucket = "payment"
	BucketSubmit  Bucket = "submit"
)

// DefaultWindow задаёт длительность фиксированного окна.
const DefaultWindow = time.Hour

// DefaultLimits задаёт лимиты запросов на окно для каждой группы.
var DefaultLimits = map[Bucket]int{
	BucketStep:    10,
	BucketPayment: 5,
	BucketSubmit:  3,
}

// Decision содержит результат проверки лимита.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter определяет контракт ограничителя частоты запросов.
type Limiter interface {
	Allow(ctx context.Context, bucket Bucket, key string) (Decision, error)
}

// Policy хранит лимиты и длительность окна.
type Policy struct {
	Limits map[Bucket]int
	Window time.Duration
}

// DefaultPolicy возвращает политику 10/5/3 запросов в час.
func DefaultPolicy() Policy {
	return Policy{Limits: DefaultLimits, Window: DefaultWindow}
}

func (p Policy) limit(b Bucket) int {
	if l, ok := p.Limits[b]; ok && l > 0 {
		return l
	}
	return DefaultLimits[BucketStep]
}

func (p Policy) window() time.Duration {
	if p.Window <= 0 {
		return DefaultWindow
	}
	return p.Window
}

func counterKey(b Bucket, key string) string {
	return "ratelimit:" + string(b) + ":" + key
}
