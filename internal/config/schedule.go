package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quizarena/quizarena/internal/quiz"
)

// ScheduleFile is the YAML document the admin tooling feeds to the
// schedule subcommand: one or more dated quizzes with their question
// banks.
type ScheduleFile struct {
	Quizzes []ScheduledQuiz `yaml:"quizzes"`
}

// ScheduledQuiz is one day's quiz definition.
type ScheduledQuiz struct {
	Date       string              `yaml:"date"`
	ClassGrade string              `yaml:"class_grade"`
	Questions  []ScheduledQuestion `yaml:"questions"`
}

// ScheduledQuestion carries the full question so the bank can be
// upserted alongside the quiz row.
type ScheduledQuestion struct {
	ID           string   `yaml:"id"`
	Text         string   `yaml:"text"`
	Options      []string `yaml:"options"`
	CorrectIndex int      `yaml:"correct_index"`
}

// LoadSchedule parses and validates a schedule file.
func LoadSchedule(path string) (*ScheduleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedule %s: %w", path, err)
	}

	var file ScheduleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse schedule %s: %w", path, err)
	}
	if err := file.Validate(); err != nil {
		return nil, fmt.Errorf("schedule %s: %w", path, err)
	}
	return &file, nil
}

// Validate checks every quiz entry for shape errors before anything is
// written.
func (f *ScheduleFile) Validate() error {
	if len(f.Quizzes) == 0 {
		return fmt.Errorf("no quizzes defined")
	}
	for _, sq := range f.Quizzes {
		if _, err := time.Parse("2006-01-02", sq.Date); err != nil {
			return fmt.Errorf("quiz %q: bad date: %w", sq.Date, err)
		}
		if len(sq.Questions) != quiz.QuestionsPerQuiz {
			return fmt.Errorf("quiz %s: need %d questions, got %d",
				sq.Date, quiz.QuestionsPerQuiz, len(sq.Questions))
		}
		for _, q := range sq.Questions {
			if q.ID == "" || q.Text == "" {
				return fmt.Errorf("quiz %s: question with empty id or text", sq.Date)
			}
			if len(q.Options) != 4 {
				return fmt.Errorf("quiz %s question %s: need 4 options, got %d",
					sq.Date, q.ID, len(q.Options))
			}
			if q.CorrectIndex < 0 || q.CorrectIndex > 3 {
				return fmt.Errorf("quiz %s question %s: correct_index %d out of range",
					sq.Date, q.ID, q.CorrectIndex)
			}
		}
	}
	return nil
}

// Bank flattens the file's questions for the bank upsert.
func (sq *ScheduledQuiz) Bank() []quiz.Question {
	bank := make([]quiz.Question, len(sq.Questions))
	for i, q := range sq.Questions {
		bank[i] = quiz.Question{
			ID:           q.ID,
			Text:         q.Text,
			Options:      q.Options,
			CorrectIndex: q.CorrectIndex,
		}
	}
	return bank
}

// QuestionIDs lists the ids in file order.
func (sq *ScheduledQuiz) QuestionIDs() []string {
	ids := make([]string, len(sq.Questions))
	for i, q := range sq.Questions {
		ids[i] = q.ID
	}
	return ids
}
