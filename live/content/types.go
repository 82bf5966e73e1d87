package content

import (
	"fmt"
	"strings"
)

// QuestionType selects the scoring rule applied to a question.
type QuestionType string

const (
	MultipleChoice         QuestionType = "multiple_choice"
	TrueFalse              QuestionType = "true_false"
	WeightedMultipleChoice QuestionType = "weighted_multiple_choice"
	Written                QuestionType = "written"
)

// WeightedOption is one answer choice of a weighted multiple choice question.
type WeightedOption struct {
	Option string `json:"option" yaml:"option"`
	Points int    `json:"points" yaml:"points"`
}

// Question is a single test item, including its answer key.
type Question struct {
	Number          int              `json:"number,omitempty" yaml:"number,omitempty"`
	Prompt          string           `json:"prompt" yaml:"prompt"`
	Type            QuestionType     `json:"type" yaml:"type"`
	Options         []string         `json:"options,omitempty" yaml:"options,omitempty"`
	CorrectAnswer   string           `json:"correct_answer,omitempty" yaml:"correct_answer,omitempty"`
	Points          int              `json:"points" yaml:"points"`
	WeightedOptions []WeightedOption `json:"weighted_options,omitempty" yaml:"weighted_options,omitempty"`
}

// Test is a named, ordered question set.
type Test struct {
	ID          string     `json:"id" yaml:"id"`
	Title       string     `json:"title" yaml:"title"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Questions   []Question `json:"questions" yaml:"questions"`
}

// TestInfo describes a stored test without its questions.
type TestInfo struct {
	ID            string `json:"id"`
	Filename      string `json:"filename"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	QuestionCount int    `json:"question_count"`
	MaxScore      int    `json:"max_score"`
}

// Grade is the scored outcome of one answer.
type Grade struct {
	QuestionIndex int    `json:"question_index"`
	Answer        string `json:"answer,omitempty"`
	Answered      bool   `json:"answered"`
	Points        int    `json:"points"`
	MaxPoints     int    `json:"max_points"`
	Correct       bool   `json:"correct"`
	NeedsReview   bool   `json:"needs_review,omitempty"`
}

// Kind returns the question type, treating an empty type as multiple choice.
func (q Question) Kind() QuestionType {
	if q.Type == "" {
		return MultipleChoice
	}
	return q.Type
}

// Choices returns the options a student may pick from.
func (q Question) Choices() []string {
	switch q.Kind() {
	case WeightedMultipleChoice:
		choices := make([]string, 0, len(q.WeightedOptions))
		for _, o := range q.WeightedOptions {
			choices = append(choices, o.Option)
		}
		return choices
	case TrueFalse:
		if len(q.Options) == 0 {
			return []string{"true", "false"}
		}
	}
	return q.Options
}

// MaxPoints returns the best score obtainable on the question.
func (q Question) MaxPoints() int {
	if q.Kind() == WeightedMultipleChoice {
		best := 0
		for _, o := range q.WeightedOptions {
			if o.Points > best {
				best = o.Points
			}
		}
		return best
	}
	return q.Points
}

// Grade scores an answer. Written answers are never auto-scored.
func (q Question) Grade(answer string) Grade {
	g := Grade{
		Answer:    answer,
		Answered:  true,
		MaxPoints: q.MaxPoints(),
	}

	given := strings.TrimSpace(answer)
	switch q.Kind() {
	case MultipleChoice, TrueFalse:
		if strings.EqualFold(given, strings.TrimSpace(q.CorrectAnswer)) {
			g.Points = q.Points
			g.Correct = true
		}
	case WeightedMultipleChoice:
		for _, o := range q.WeightedOptions {
			if strings.EqualFold(given, o.Option) {
				g.Points = o.Points
				g.Correct = o.Points == g.MaxPoints && g.MaxPoints > 0
				break
			}
		}
	case Written:
		g.NeedsReview = given != ""
	}
	return g
}

// Unanswered returns the grade recorded for a question nobody answered.
func (q Question) Unanswered() Grade {
	return Grade{MaxPoints: q.MaxPoints()}
}

// ValidateQuestions checks that a question list can be administered.
func ValidateQuestions(questions []Question) error {
	if len(questions) == 0 {
		return fmt.Errorf("at least one question is required")
	}

	for i, q := range questions {
		if strings.TrimSpace(q.Prompt) == "" {
			return fmt.Errorf("question %d: prompt is required", i)
		}
		if q.Points < 0 {
			return fmt.Errorf("question %d: points must not be negative", i)
		}

		switch q.Kind() {
		case MultipleChoice:
			if len(q.Options) < 2 {
				return fmt.Errorf("question %d: multiple choice needs at least two options", i)
			}
			if !containsFold(q.Options, q.CorrectAnswer) {
				return fmt.Errorf("question %d: correct answer %q is not one of the options", i, q.CorrectAnswer)
			}
		case TrueFalse:
			if !containsFold(q.Choices(), q.CorrectAnswer) {
				return fmt.Errorf("question %d: correct answer %q is not one of %v", i, q.CorrectAnswer, q.Choices())
			}
		case WeightedMultipleChoice:
			if len(q.WeightedOptions) < 2 {
				return fmt.Errorf("question %d: weighted multiple choice needs at least two options", i)
			}
			for _, o := range q.WeightedOptions {
				if strings.TrimSpace(o.Option) == "" {
					return fmt.Errorf("question %d: weighted option text is required", i)
				}
				if o.Points < 0 {
					return fmt.Errorf("question %d: option %q has negative points", i, o.Option)
				}
			}
		case Written:
		default:
			return fmt.Errorf("question %d: unknown type %q", i, q.Type)
		}
	}

	return nil
}

// ValidateTest checks a full test definition.
func ValidateTest(t *Test) error {
	if t == nil {
		return fmt.Errorf("test cannot be nil")
	}
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("title is required")
	}
	return ValidateQuestions(t.Questions)
}

// MaxScore sums the best obtainable points across questions.
func MaxScore(questions []Question) int {
	total := 0
	for _, q := range questions {
		total += q.MaxPoints()
	}
	return total
}

func containsFold(values []string, want string) bool {
	want = strings.TrimSpace(want)
	if want == "" {
		return false
	}
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), want) {
			return true
		}
	}
	return false
}
