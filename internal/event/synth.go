package event

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/google/uuid"
)

// Synth generates synthetic typed-state rows for development and load tests.
// It writes valid rows through the same column contract the loader reads, so
// a freshly generated file exercises the whole digest pipeline end to end.
type Synth struct {
	Path string
	Rand *rand.Rand // nil uses a time-seeded source
}

var synthActions = []string{
	TypeUserMessage, TypeAssistantMessage, TypeObservation, TypeNote, TypeTask,
}

var synthCategories = []string{"knowledge", "decision", "user", "misc"}
var synthConfidence = []string{"high", "medium", "low"}

// Generate appends n synthetic rows for conversation conv, spread backwards
// over the given number of days. The file and header are created if missing.
func (s *Synth) Generate(conv string, n, days int) error {
	rng := s.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if days < 1 {
		days = 1
	}
	if conv == "" {
		conv = "conv-" + petname.Generate(2, "-")
	}

	needHeader := false
	if _, err := os.Stat(s.Path); os.IsNotExist(err) {
		needHeader = true
		if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
			return fmt.Errorf("create synth directory: %w", err)
		}
	}

	f, err := os.OpenFile(s.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open typed-state file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if needHeader {
		if err := w.Write(columns); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		ts := now.Add(-time.Duration(rng.Intn(days*24)) * time.Hour)
		attrs, _ := json.Marshal(map[string]any{
			"topic": petname.Generate(2, " "),
		})

		row := make([]string, len(columns))
		row[0] = uuid.NewString()
		row[1] = conv
		row[2] = ts.Format(time.RFC3339)
		row[3] = "synth"
		row[4] = fmt.Sprintf("%.2f", 0.5+rng.Float64()/2)
		row[7] = synthActions[rng.Intn(len(synthActions))]
		row[8] = "synthetic " + petname.Generate(3, " ")
		row[9] = "{}"
		row[11] = string(attrs)
		row[12] = synthConfidence[rng.Intn(len(synthConfidence))]
		row[15] = synthCategories[rng.Intn(len(synthCategories))]
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
