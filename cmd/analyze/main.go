// Command analyze prints quick, human-readable statistics about finished
// sessions stored by the file results sink. For each record it reports the
// average score, per-question answer and correctness rates, the hardest
// question, and how many written answers still wait for review.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/wricardo/livetest/live/engine"
	"github.com/wricardo/livetest/live/results"
)

// QuestionStats aggregates every participant's grade for one question.
type QuestionStats struct {
	Index       int
	Answered    int
	Correct     int
	Points      int
	MaxPoints   int
	NeedsReview int
}

// AnswerRate is the share of participants who answered, in percent.
func (q QuestionStats) AnswerRate(participants int) float64 {
	if participants == 0 {
		return 0
	}
	return float64(q.Answered) * 100 / float64(participants)
}

// CorrectRate is the share of participants who answered correctly, in percent.
func (q QuestionStats) CorrectRate(participants int) float64 {
	if participants == 0 {
		return 0
	}
	return float64(q.Correct) * 100 / float64(participants)
}

// RecordAnalysis summarizes one stored session.
type RecordAnalysis struct {
	Record       *results.Record
	Participants int
	AverageScore float64
	MaxScore     int
	Connected    int
	NeedsReview  int
	Questions    []QuestionStats
}

// Hardest returns the question with the lowest correctness, or -1 when no
// question was auto-scored.
func (a RecordAnalysis) Hardest() int {
	hardest := -1
	for i, q := range a.Questions {
		if q.MaxPoints == 0 || q.NeedsReview > 0 {
			continue
		}
		if hardest == -1 || q.Correct < a.Questions[hardest].Correct {
			hardest = i
		}
	}
	return hardest
}

func analyzeRecord(rec *results.Record) RecordAnalysis {
	a := RecordAnalysis{
		Record:       rec,
		Participants: len(rec.Participants),
		Questions:    make([]QuestionStats, rec.QuestionCount),
	}
	for i := range a.Questions {
		a.Questions[i].Index = i
	}

	total := 0
	for _, p := range rec.Participants {
		total += p.Score
		if p.MaxScore > a.MaxScore {
			a.MaxScore = p.MaxScore
		}
		if p.State == string(engine.Connected) {
			a.Connected++
		}

		for _, g := range p.Grades {
			if g.QuestionIndex < 0 || g.QuestionIndex >= len(a.Questions) {
				continue
			}
			q := &a.Questions[g.QuestionIndex]
			q.MaxPoints = g.MaxPoints
			q.Points += g.Points
			if g.Answered {
				q.Answered++
			}
			if g.Correct {
				q.Correct++
			}
			if g.NeedsReview {
				q.NeedsReview++
				a.NeedsReview++
			}
		}
	}

	if a.Participants > 0 {
		a.AverageScore = float64(total) / float64(a.Participants)
	}
	return a
}

func printAnalysis(a RecordAnalysis) {
	rec := a.Record
	fmt.Printf("Title: %s\n", rec.Title)
	fmt.Printf("Code: %s\n", rec.Code)
	fmt.Printf("Finished: %s (%s)\n", rec.CompletedAt.Format("2006-01-02 15:04"), rec.Reason)
	fmt.Printf("Participants: %d (%d connected at the end)\n", a.Participants, a.Connected)
	fmt.Printf("Average Score: %.1f / %d\n", a.AverageScore, a.MaxScore)

	if a.Participants == 0 {
		fmt.Println("No participants joined")
		return
	}

	fmt.Println("\nQuestions:")
	for _, q := range a.Questions {
		fmt.Printf("  Q%d: answered %.0f%%, correct %.0f%%", q.Index+1, q.AnswerRate(a.Participants), q.CorrectRate(a.Participants))
		if q.NeedsReview > 0 {
			fmt.Printf(", %d to review", q.NeedsReview)
		}
		fmt.Println()
	}

	if h := a.Hardest(); h >= 0 {
		fmt.Printf("\nHardest question: Q%d\n", h+1)
	}
	if a.NeedsReview > 0 {
		fmt.Printf("⚠️  %d written answers need manual review\n", a.NeedsReview)
	}
}

func resultsDir() string {
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	if dir := os.Getenv("LIVETEST_RESULTS_DIR"); dir != "" {
		return dir
	}
	return "results"
}

func main() {
	sink, err := results.NewFileSink(resultsDir())
	if err != nil {
		fmt.Printf("Error opening results: %v\n", err)
		os.Exit(1)
	}

	records, err := sink.List(context.Background())
	if err != nil {
		fmt.Printf("Error reading results: %v\n", err)
		os.Exit(1)
	}
	if len(records) == 0 {
		fmt.Println("No results found")
		return
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CompletedAt.Before(records[j].CompletedAt)
	})
	for _, rec := range records {
		fmt.Printf("\n=== Session %s ===\n", rec.ID)
		printAnalysis(analyzeRecord(rec))
	}
}
