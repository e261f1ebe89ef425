package report

import (
	"fmt"
	"strings"

	"github.com/mmeshcher/macro-funnel/internal/model"
)

const systemPrompt = `You are a registered-dietitian assistant writing a personalised nutrition report.
Write in a warm, encouraging, practical tone. Do not diagnose medical conditions and
recommend consulting a healthcare professional where health conditions or medications are listed.

Return ONLY an HTML fragment (no <html>, <head> or <body>) using these tags:
<h2>, <h3>, <p>, <ul>, <ol>, <li>, <strong>, <em>, <table>, <thead>, <tbody>, <tr>, <th>, <td>.

Sections, in order:
1. Your daily targets
2. How to hit your protein
3. Sample day of eating
4. Tips for your goal
5. Things to watch`

// Prompt строит системный и пользовательский промпт по данным сессии.
func Prompt(s *model.Session) (string, string) {
	var sb strings.Builder

	sb.WriteString("Create a nutrition report for this person.\n\n")
	sb.WriteString("## Profile\n")
	fmt.Fprintf(&sb, "- Name: %s\n", displayName(s))
	fmt.Fprintf(&sb, "- Sex: %s\n", s.Demographics.Sex)
	fmt.Fprintf(&sb, "- Age: %d\n", s.Demographics.Age)
	fmt.Fprintf(&sb, "- Height: %.0f cm\n", s.Demographics.HeightCM)
	fmt.Fprintf(&sb, "- Weight: %.1f kg\n", s.Demographics.WeightKG)
	fmt.Fprintf(&sb, "- Activity level: %s\n", humanize(s.Lifestyle.ActivityLevel))
	fmt.Fprintf(&sb, "- Goal: %s\n", goalLabel(s.Lifestyle.Goal))
	if s.Lifestyle.DietType != "" {
		fmt.Fprintf(&sb, "- Diet preference: %s\n", s.Lifestyle.DietType)
	}

	if m := s.Macros; m != nil {
		sb.WriteString("\n## Daily targets\n")
		fmt.Fprintf(&sb, "- Calories: %.0f kcal\n", m.Calories)
		fmt.Fprintf(&sb, "- Protein: %.0f g\n", m.Protein)
		fmt.Fprintf(&sb, "- Carbohydrates: %.0f g\n", m.Carbs)
		fmt.Fprintf(&sb, "- Fat: %.0f g\n", m.Fat)
		if m.BMR > 0 {
			fmt.Fprintf(&sb, "- BMR: %.0f kcal\n", m.BMR)
		}
		if m.TDEE > 0 {
			fmt.Fprintf(&sb, "- TDEE: %.0f kcal\n", m.TDEE)
		}
	}

	c := s.Contact
	if c.HealthConditions != "" || c.Medications != "" || c.Allergies != "" {
		sb.WriteString("\n## Health notes\n")
		if c.HealthConditions != "" {
			fmt.Fprintf(&sb, "- Conditions: %s\n", c.HealthConditions)
		}
		if c.Medications != "" {
			fmt.Fprintf(&sb, "- Medications: %s\n", c.Medications)
		}
		if c.Allergies != "" {
			fmt.Fprintf(&sb, "- Allergies: %s\n", c.Allergies)
		}
	}

	return systemPrompt, sb.String()
}

func displayName(s *model.Session) string {
	if name := strings.TrimSpace(s.Contact.FirstName); name != "" {
		return name
	}
	return "there"
}

func goalLabel(goal string) string {
	switch goal {
	case "lose":
		return "lose body fat"
	case "gain":
		return "build muscle"
	case "maintain":
		return "maintain current weight"
	default:
		return humanize(goal)
	}
}

func humanize(s string) string {
	return strings.ReplaceAll(s, "_", " ")
}
