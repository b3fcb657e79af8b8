package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// sampleBank is seeded when no file is given.
var sampleBank = []model.Question{
	{Prompt: "What is 7 x 8?", Options: []string{"54", "56", "58", "64"}, CorrectAnswer: "56", Difficulty: model.DifficultyEasy, Subject: "math", Points: 1},
	{Prompt: "Which gas do plants absorb for photosynthesis?", Options: []string{"Oxygen", "Nitrogen", "Carbon dioxide", "Hydrogen"}, CorrectAnswer: "Carbon dioxide", Difficulty: model.DifficultyEasy, Subject: "biology", Points: 1},
	{Prompt: "What is the derivative of x^2?", Options: []string{"x", "2x", "x^2", "2"}, CorrectAnswer: "2x", Difficulty: model.DifficultyMedium, Subject: "math", Points: 2},
	{Prompt: "Which layer of the OSI model does TCP belong to?", Options: []string{"Network", "Transport", "Session", "Data link"}, CorrectAnswer: "Transport", Difficulty: model.DifficultyMedium, Subject: "networking", Points: 2},
	{Prompt: "What is the time complexity of binary search?", Options: []string{"O(n)", "O(log n)", "O(n log n)", "O(1)"}, CorrectAnswer: "O(log n)", Difficulty: model.DifficultyMedium, Subject: "computer science", Points: 2},
	{Prompt: "Which element has atomic number 26?", Options: []string{"Iron", "Copper", "Zinc", "Nickel"}, CorrectAnswer: "Iron", Difficulty: model.DifficultyHard, Subject: "chemistry", Points: 3},
}

func main() {
	var file string
	flag.StringVar(&file, "file", "", "JSON file with an array of questions (prompt, options, correct_answer, difficulty, subject, points)")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	questions := sampleBank
	if file != "" {
		loaded, err := loadFile(file)
		if err != nil {
			log.Fatal().Err(err).Str("file", file).Msg("Failed to read questions")
		}
		questions = loaded
	}

	store, closeStore, err := database.OpenStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open session store")
	}
	defer closeStore()

	fmt.Printf("=== Seeding %d Questions ===\n", len(questions))

	created := 0
	for i := range questions {
		q := questions[i]
		if !q.HasOption(q.CorrectAnswer) {
			log.Warn().Int("index", i).Str("prompt", q.Prompt).Msg("Correct answer is not one of the options, skipped")
			continue
		}
		if err := store.CreateQuestion(ctx, &q); err != nil {
			log.Error().Err(err).Int("index", i).Msg("Failed to create question")
			continue
		}
		created++
	}

	fmt.Printf("Seeded %d of %d questions into %s store\n", created, len(questions), cfg.StoreBackend)
}

// seedQuestion mirrors model.Question but exposes the correct answer,
// which the model hides from JSON.
type seedQuestion struct {
	Prompt        string           `json:"prompt"`
	Options       []string         `json:"options"`
	CorrectAnswer string           `json:"correct_answer"`
	Difficulty    model.Difficulty `json:"difficulty"`
	Subject       string           `json:"subject"`
	Points        float64          `json:"points"`
}

func loadFile(path string) ([]model.Question, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var items []seedQuestion
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	out := make([]model.Question, len(items))
	for i, it := range items {
		if it.Difficulty == "" {
			it.Difficulty = model.DifficultyMedium
		}
		if it.Points <= 0 {
			it.Points = 1
		}
		out[i] = model.Question{
			Prompt:        it.Prompt,
			Options:       it.Options,
			CorrectAnswer: it.CorrectAnswer,
			Difficulty:    it.Difficulty,
			Subject:       it.Subject,
			Points:        it.Points,
		}
	}
	return out, nil
}
