package report

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/macro-funnel/internal/model"
)

func testSession() *model.Session {
	return &model.Session{
		Demographics: model.Demographics{Sex: model.SexMale, Age: 30, HeightCM: 180, WeightKG: 82.5},
		Lifestyle:    model.Lifestyle{ActivityLevel: "moderate", Goal: "lose", DietType: "mediterranean"},
		Macros:       &model.Macros{Calories: 2000, Protein: 150, Carbs: 200, Fat: 67},
		Contact: model.Contact{
			FirstName: "<b>Sam</b>",
			Allergies: "peanuts",
		},
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		state model.ReportState
		want  Stage
	}{
		{model.Queued(), Stage{Name: "Queued", EstimatedSeconds: 30}},
		{model.Generating(1), Stage{Name: "Analyzing your profile", EstimatedSeconds: 25}},
		{model.Generating(5), Stage{Name: "Finalizing", EstimatedSeconds: 3}},
		{model.Completed(), Stage{Name: "Completed", EstimatedSeconds: 0}},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Describe(tt.state))
	}
}

func TestPrompt_IncludesProfile(t *testing.T) {
	system, user := Prompt(testSession())

	assert.Contains(t, system, "HTML fragment")
	assert.Contains(t, user, "Age: 30")
	assert.Contains(t, user, "Goal: lose body fat")
	assert.Contains(t, user, "Calories: 2000 kcal")
	assert.Contains(t, user, "Allergies: peanuts")
	assert.NotContains(t, user, "Medications")
}

func TestSanitize_StripsScripts(t *testing.T) {
	r := NewRenderer()

	got := string(r.Sanitize("```html\n<h2>Plan</h2><script>alert(1)</script><p onclick=\"x()\">Eat</p>\n```"))

	assert.Contains(t, got, "<h2>Plan</h2>")
	assert.Contains(t, got, "<p>Eat</p>")
	assert.NotContains(t, got, "script")
	assert.NotContains(t, got, "onclick")
}

func TestSanitize_PlainTextBecomesParagraphs(t *testing.T) {
	r := NewRenderer()

	got := string(r.Sanitize("First paragraph.\n\nSecond & last."))

	assert.Contains(t, got, "<p>First paragraph.</p>")
	assert.Contains(t, got, "<p>Second &amp; last.</p>")
}

func TestFallback_IsDeterministic(t *testing.T) {
	r := NewRenderer()
	s := testSession()

	a, err := r.Fallback(s)
	require.NoError(t, err)
	b, err := r.Fallback(s)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Contains(t, string(a), "150 g")
	assert.Contains(t, string(a), "30%")
	assert.Contains(t, string(a), "steady calorie deficit")
	assert.Contains(t, string(a), "peanuts")
}

func TestRender_EscapesUserInput(t *testing.T) {
	r := NewRenderer()
	s := testSession()

	body, err := r.Fallback(s)
	require.NoError(t, err)

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	doc, err := r.Render(s, body, created, created.Add(48*time.Hour))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(doc, "<!DOCTYPE html>"))
	assert.Contains(t, doc, "&lt;b&gt;Sam&lt;/b&gt;")
	assert.Contains(t, doc, "Generated 1 March 2026 10:00 UTC")
	assert.Contains(t, doc, "available until 3 March 2026 10:00 UTC")
	assert.Contains(t, doc, "2000")
}
