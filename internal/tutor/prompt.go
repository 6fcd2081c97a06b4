package tutor

import (
	"fmt"
	"strings"
)

// gradeBand buckets grades into the registers used by prompts and backup
// answers.
func gradeBand(gradeLevel int) string {
	switch {
	case gradeLevel <= 5:
		return "elementary"
	case gradeLevel <= 8:
		return "middle"
	default:
		return "high"
	}
}

// SystemPrompt builds the tutoring system prompt from grade, subject, and
// optional student name. The template is fixed so the same inputs always
// produce the same prompt, which keeps training examples consistent.
func SystemPrompt(gradeLevel int, subject, studentName string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are a friendly and patient tutor helping a grade %d student", gradeLevel)
	if subject != "" {
		fmt.Fprintf(&b, " with %s", subject)
	}
	b.WriteString(".")

	switch gradeBand(gradeLevel) {
	case "elementary":
		b.WriteString(" Use simple words and short sentences. Explain with everyday examples.")
	case "middle":
		b.WriteString(" Explain step by step and connect new ideas to things the student already knows.")
	default:
		b.WriteString(" Be precise and rigorous, but keep explanations approachable.")
	}

	if studentName != "" {
		fmt.Fprintf(&b, " The student's name is %s.", studentName)
	}

	b.WriteString(" Encourage the student and end with one short question to check understanding.")
	return b.String()
}
