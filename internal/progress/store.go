// Package progress captures what each iteration did and renders it back
// into the next prompt.
package progress

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/taskdaemon/taskdaemon-sub002/internal/db"
	"github.com/taskdaemon/taskdaemon-sub002/internal/logging"
	"github.com/taskdaemon/taskdaemon-sub002/internal/models"
)

const defaultRecent = 5

// Store persists iteration summaries and context notes.
type Store struct {
	repo   *db.ProgressRepository
	ledger *Ledger
	recent int
	logger zerolog.Logger

	mu     sync.Mutex
	served map[string]int64 // highest note id rendered into a prompt per execution
}

// Option configures a Store.
type Option func(*Store)

// WithLedger mirrors records into markdown files.
func WithLedger(ledger *Ledger) Option {
	return func(s *Store) { s.ledger = ledger }
}

// WithRecent sets how many past iterations are rendered into the prompt.
func WithRecent(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.recent = n
		}
	}
}

// NewStore creates a Store backed by repo.
func NewStore(repo *db.ProgressRepository, opts ...Option) *Store {
	s := &Store{
		repo:   repo,
		recent: defaultRecent,
		logger: logging.Component("progress"),
		served: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Progress renders recent iterations and pending notes as prompt text.
// Notes rendered here are marked delivered by the next Record.
func (s *Store) Progress(ctx context.Context, exec *models.LoopExecution) (string, error) {
	records, err := s.repo.RecentIterations(ctx, exec.ID, s.recent)
	if err != nil {
		return "", err
	}
	notes, err := s.repo.PendingNotes(ctx, exec.ID)
	if err != nil {
		return "", err
	}

	if len(notes) > 0 {
		s.mu.Lock()
		s.served[exec.ID] = notes[len(notes)-1].ID
		s.mu.Unlock()
	}

	return render(records, notes), nil
}

// Record stores a summary and mirrors it to the ledger.
func (s *Store) Record(ctx context.Context, exec *models.LoopExecution, summary *models.IterationSummary, output string) error {
	if err := s.repo.RecordIteration(ctx, summary); err != nil {
		return err
	}

	s.mu.Lock()
	served, ok := s.served[exec.ID]
	delete(s.served, exec.ID)
	s.mu.Unlock()
	if ok {
		if _, err := s.repo.MarkNotesDelivered(ctx, exec.ID, served); err != nil {
			return err
		}
	}

	if s.ledger != nil {
		if err := s.ledger.Append(exec, summary, output); err != nil {
			s.logger.Warn().Err(err).Str("loop_id", exec.ID).Msg("failed to append ledger entry")
		}
	}
	return nil
}

// AppendContext queues text for the loop's next prompt.
func (s *Store) AppendContext(ctx context.Context, executionID string, kind models.MessageKind, from, text string) error {
	return s.repo.AddNote(ctx, &db.Note{
		ExecutionID: executionID,
		Kind:        string(kind),
		Sender:      from,
		Body:        text,
	})
}

// History returns up to limit iteration summaries, oldest first.
func (s *Store) History(ctx context.Context, executionID string, limit int) ([]*models.IterationSummary, error) {
	return s.repo.RecentIterations(ctx, executionID, limit)
}

func render(records []*models.IterationSummary, notes []*db.Note) string {
	if len(records) == 0 && len(notes) == 0 {
		return ""
	}

	var b strings.Builder
	if len(notes) > 0 {
		b.WriteString("Messages from other loops:\n")
		for _, note := range notes {
			sender := note.Sender
			if sender == "" {
				sender = "external"
			}
			b.WriteString(fmt.Sprintf("- [%s from %s] %s\n", note.Kind, sender, strings.TrimSpace(note.Body)))
		}
		if len(records) > 0 {
			b.WriteString("\n")
		}
	}

	if len(records) > 0 {
		b.WriteString("Previous iterations:\n")
		for _, rec := range records {
			line := fmt.Sprintf("- iteration %d: %s", rec.Iteration, rec.Outcome)
			if rec.ExitCode != nil {
				line += fmt.Sprintf(" (exit %d)", *rec.ExitCode)
			}
			if len(rec.FilesChanged) > 0 {
				line += "; changed " + strings.Join(rec.FilesChanged, ", ")
			}
			if len(rec.Errors) > 0 {
				line += "; errors: " + strings.Join(rec.Errors, "; ")
			}
			b.WriteString(line + "\n")
			if summary := firstLine(rec.Response); summary != "" {
				b.WriteString("  " + summary + "\n")
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func firstLine(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	return text
}
