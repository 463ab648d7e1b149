package grading_test

import (
	"context"
	"testing"

	"github.com/mind-engage/mindengage-testengine/internal/exam"
	"github.com/mind-engage/mindengage-testengine/internal/grading"
)

func TestScorePointsWeighted(t *testing.T) {
	qs := []exam.Question{
		{ID: "q1", CorrectLabel: "A", Points: 2},
		{ID: "q2", CorrectLabel: "B", Points: 1},
		{ID: "q3", CorrectLabel: "C"}, // default points
	}
	g := grading.NewGrader()
	s, err := g.Score(context.Background(), qs, map[string]string{"q1": "A", "q2": "D", "q3": " c "})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if s.CorrectAnswers != 2 || s.TotalQuestions != 3 {
		t.Fatalf("counts = %+v", s)
	}
	if s.Earned != 3 || s.Max != 4 || s.Percent != 75 {
		t.Fatalf("points = %+v", s)
	}
}

func TestScoreUnansweredCountTowardTotal(t *testing.T) {
	qs := make([]exam.Question, 20)
	answers := map[string]string{}
	for i := range qs {
		id := string(rune('A'+i%26)) + string(rune('a'+i))
		qs[i] = exam.Question{ID: id, CorrectLabel: "A", Points: 1}
		if i < 18 {
			answers[id] = "A"
		}
	}
	s, err := grading.NewGrader().Score(context.Background(), qs, answers)
	if err != nil {
		t.Fatal(err)
	}
	if s.CorrectAnswers != 18 || s.TotalQuestions != 20 || s.Percent != 90 {
		t.Fatalf("score = %+v", s)
	}
}

type alwaysRight struct{}

func (alwaysRight) Grade(_ context.Context, q exam.Question, _ string) (grading.Result, error) {
	return grading.Result{AutoPoints: q.Points, MaxPoints: q.Points, Correct: true}, nil
}

func TestWithStrategyOverrides(t *testing.T) {
	g := grading.NewGrader(grading.WithStrategy(grading.KindSingleChoice, alwaysRight{}), grading.WithPrecision(0))
	s, _ := g.Score(context.Background(), []exam.Question{{ID: "q", CorrectLabel: "A"}}, map[string]string{"q": "Z"})
	if s.Percent != 100 {
		t.Fatalf("percent = %v", s.Percent)
	}
}

func TestScoreEmpty(t *testing.T) {
	s, err := grading.NewGrader().Score(context.Background(), nil, nil)
	if err != nil || s.Percent != 0 || s.TotalQuestions != 0 {
		t.Fatalf("empty = %+v, %v", s, err)
	}
}
