package report

import (
	"bytes"
	"fmt"
	"html"
	"html/template"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/mmeshcher/macro-funnel/internal/model"
)

const layout = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta name="robots" content="noindex, nofollow">
<title>Your personalised nutrition report</title>
<style>
body{font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Roboto,sans-serif;max-width:760px;margin:0 auto;padding:24px;color:#1f2933;line-height:1.6}
h1{font-size:1.8rem;margin-bottom:0}
.meta{color:#616e7c;font-size:.9rem}
.targets{display:flex;gap:12px;flex-wrap:wrap;margin:24px 0}
.target{flex:1 1 120px;background:#f5f7fa;border-radius:8px;padding:12px;text-align:center}
.target strong{display:block;font-size:1.4rem}
table{border-collapse:collapse;width:100%}
th,td{border-bottom:1px solid #e4e7eb;padding:6px 8px;text-align:left}
.disclaimer{margin-top:32px;font-size:.8rem;color:#7b8794}
</style>
</head>
<body>
<h1>Nutrition report for {{.Name}}</h1>
<p class="meta">Generated {{.GeneratedAt}} &middot; available until {{.ExpiresAt}}</p>
{{with .Macros}}
<div class="targets">
<div class="target"><strong>{{printf "%.0f" .Calories}}</strong>kcal / day</div>
<div class="target"><strong>{{printf "%.0f" .Protein}} g</strong>protein</div>
<div class="target"><strong>{{printf "%.0f" .Carbs}} g</strong>carbs</div>
<div class="target"><strong>{{printf "%.0f" .Fat}} g</strong>fat</div>
</div>
{{end}}
{{.Body}}
<p class="disclaimer">This report is for general information only and is not medical advice.
Talk to a qualified healthcare professional before making significant changes to your diet,
especially if you have a medical condition or take medication.</p>
</body>
</html>`

const fallbackBody = `<h2>Your daily targets</h2>
{{with .Macros}}
<table>
<thead><tr><th>Nutrient</th><th>Per day</th><th>Share of calories</th></tr></thead>
<tbody>
<tr><td>Protein</td><td>{{printf "%.0f" .Protein}} g</td><td>{{share .Protein 4.0 .Calories}}</td></tr>
<tr><td>Carbohydrates</td><td>{{printf "%.0f" .Carbs}} g</td><td>{{share .Carbs 4.0 .Calories}}</td></tr>
<tr><td>Fat</td><td>{{printf "%.0f" .Fat}} g</td><td>{{share .Fat 9.0 .Calories}}</td></tr>
</tbody>
</table>
<p>Aim for roughly {{printf "%.0f" .Calories}} kcal per day. Spreading protein over
{{meals .Protein}} meals of about {{perMeal .Protein}} g each makes the target easier to reach.</p>
{{end}}
<h2>Tips for your goal</h2>
<ul>
{{range .GoalTips}}<li>{{.}}</li>
{{end}}</ul>
<h2>Your activity level</h2>
<p>{{.ActivityNote}}</p>
{{if .HealthNotes}}
<h2>Things to watch</h2>
<p>You mentioned: {{.HealthNotes}}. Review these targets with your doctor or dietitian before starting.</p>
{{end}}`

var goalTips = map[string][]string{
	"lose": {
		"Keep a steady calorie deficit rather than cutting aggressively.",
		"Prioritise protein at every meal to protect lean mass.",
		"Fill half of your plate with vegetables to stay full on fewer calories.",
		"Weigh yourself at the same time of day and track the weekly average.",
	},
	"gain": {
		"Eat at a small surplus and increase portions gradually.",
		"Pair your protein target with progressive strength training.",
		"Add calorie-dense whole foods such as nuts, olive oil and oats.",
	},
	"maintain": {
		"Use your target as an average across the week, not a daily limit.",
		"Keep protein consistent to support recovery and satiety.",
		"Re-check your numbers if your activity level changes.",
	},
}

var activityNotes = map[string]string{
	"sedentary":   "Your targets assume mostly seated days. Short walks after meals are an easy way to add movement.",
	"light":       "Your targets assume light activity one to three days a week.",
	"moderate":    "Your targets assume moderate exercise three to five days a week. Eat a little more on training days.",
	"active":      "Your targets assume hard training most days. Time carbohydrates around your sessions.",
	"very_active": "Your targets assume very demanding daily training or physical work. Do not skip recovery meals.",
}

// Renderer собирает HTML-документ отчёта.
type Renderer struct {
	layout   *template.Template
	fallback *template.Template
	policy   *bluemonday.Policy
}

// NewRenderer создаёт Renderer с политикой очистки HTML для сгенерированного текста.
func NewRenderer() *Renderer {
	policy := bluemonday.UGCPolicy()
	policy.AllowElements("table", "thead", "tbody", "tr", "th", "td")
	policy.AllowAttrs("colspan", "rowspan").OnElements("td", "th")

	funcs := template.FuncMap{
		"share":   share,
		"meals":   meals,
		"perMeal": perMeal,
	}

	return &Renderer{
		layout:   template.Must(template.New("layout").Parse(layout)),
		fallback: template.Must(template.New("fallback").Funcs(funcs).Parse(fallbackBody)),
		policy:   policy,
	}
}

// Sanitize очищает сгенерированный фрагмент. Простой текст без разметки
// разбивается на абзацы.
func (r *Renderer) Sanitize(fragment string) template.HTML {
	fragment = strings.TrimSpace(fragment)
	fragment = strings.TrimPrefix(fragment, "```html")
	fragment = strings.TrimSuffix(strings.TrimSpace(fragment), "```")

	if !strings.Contains(fragment, "<") {
		var sb strings.Builder
		for _, p := range strings.Split(fragment, "\n\n") {
			if p = strings.TrimSpace(p); p != "" {
				sb.WriteString("<p>")
				sb.WriteString(html.EscapeString(p))
				sb.WriteString("</p>\n")
			}
		}
		fragment = sb.String()
	}

	return template.HTML(r.policy.Sanitize(fragment))
}

// Fallback строит детерминированный текст отчёта без обращения к генератору.
func (r *Renderer) Fallback(s *model.Session) (template.HTML, error) {
	tips, ok := goalTips[s.Lifestyle.Goal]
	if !ok {
		tips = goalTips["maintain"]
	}
	note, ok := activityNotes[s.Lifestyle.ActivityLevel]
	if !ok {
		note = activityNotes["moderate"]
	}

	var notes []string
	for _, n := range []string{s.Contact.HealthConditions, s.Contact.Medications, s.Contact.Allergies} {
		if n = strings.TrimSpace(n); n != "" {
			notes = append(notes, n)
		}
	}

	var buf bytes.Buffer
	err := r.fallback.Execute(&buf, struct {
		Macros       *model.Macros
		GoalTips     []string
		ActivityNote string
		HealthNotes  string
	}{
		Macros:       s.Macros,
		GoalTips:     tips,
		ActivityNote: note,
		HealthNotes:  strings.Join(notes, "; "),
	})
	if err != nil {
		return "", fmt.Errorf("render fallback: %w", err)
	}

	return template.HTML(buf.String()), nil
}

// Render собирает итоговый HTML-документ.
func (r *Renderer) Render(s *model.Session, body template.HTML, generatedAt, expiresAt time.Time) (string, error) {
	var buf bytes.Buffer
	err := r.layout.Execute(&buf, struct {
		Name        string
		GeneratedAt string
		ExpiresAt   string
		Macros      *model.Macros
		Body        template.HTML
	}{
		Name:        displayName(s),
		GeneratedAt: generatedAt.UTC().Format("2 January 2006 15:04 MST"),
		ExpiresAt:   expiresAt.UTC().Format("2 January 2006 15:04 MST"),
		Macros:      s.Macros,
		Body:        body,
	})
	if err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return buf.String(), nil
}

func share(grams, kcalPerGram, calories float64) string {
	if calories <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.0f%%", grams*kcalPerGram*100/calories)
}

func meals(protein float64) int {
	if protein >= 160 {
		return 5
	}
	if protein >= 100 {
		return 4
	}
	return 3
}

func perMeal(protein float64) string {
	return fmt.Sprintf("%.0f", protein/float64(meals(protein)))
}
