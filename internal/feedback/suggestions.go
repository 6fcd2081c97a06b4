package feedback

import "github.com/darasa-ai/darasa/pkg/models"

// Suggestions returns the improvement hints handed back to the caller when
// feedback arrives. Phrasing is static; low ratings add targeted hints.
func Suggestions(feedback string, ratings *models.Ratings) []string {
	var out []string

	switch feedback {
	case models.FeedbackNegative:
		out = append(out,
			"try rephrasing the question with more detail about what is unclear",
			"ask for a step-by-step explanation or a worked example",
		)
	case models.FeedbackNeutral:
		out = append(out,
			"follow up with a more specific question to get a sharper answer",
		)
	case models.FeedbackPositive:
		out = append(out,
			"keep going, a practice problem on the same topic would reinforce this",
		)
	}

	if ratings != nil {
		if ratings.Difficulty >= 4 {
			out = append(out, "ask for a simpler explanation or an easier starting point")
		}
		if ratings.Clarity > 0 && ratings.Clarity <= 2 {
			out = append(out, "ask the tutor to explain again using a different example")
		}
		if ratings.Helpfulness > 0 && ratings.Helpfulness <= 2 {
			out = append(out, "include what you already tried so the answer can build on it")
		}
	}

	return out
}
