// Package generations runs prompt batches against a text-generation
// service and stores the answers. Templates address the element with
// [[TEXT]] and any context column with [[col]]; unknown names are
// rejected at submit time.
package generations

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/activetigger/activetigger/internal/domain"
	"github.com/activetigger/activetigger/internal/frame"
	"github.com/activetigger/activetigger/internal/queue"
)

// TaskKind is the queue kind for generation batches.
const TaskKind = "generation"

// TextToken addresses the element text in a template.
const TextToken = "TEXT"

var tokenRe = regexp.MustCompile(`\[\[([^\[\]]+)\]\]`)

// Service owns prompt storage and batch execution.
type Service struct {
	Generations domain.GenerationRepo
	Store       *frame.Store
	Queue       *queue.Queue
	Client      domain.GenClient
	Log         *slog.Logger
}

// BatchSpec describes one generation run over the train partition.
type BatchSpec struct {
	Model    string
	Template string
	// NElements caps the batch; 0 means every element.
	NElements   int
	ContextCols []string
	User        string
}

// ValidateTemplate checks every [[NAME]] token against the allowed
// names: TEXT plus the project's context columns.
func ValidateTemplate(tpl string, contextCols []string) error {
	allowed := map[string]bool{TextToken: true}
	for _, c := range contextCols {
		allowed[c] = true
	}
	for _, m := range tokenRe.FindAllStringSubmatch(tpl, -1) {
		if !allowed[m[1]] {
			return fmt.Errorf("op=generations.ValidateTemplate: unknown token %q: %w", m[1], domain.ErrInvalid)
		}
	}
	if !strings.Contains(tpl, "[[") {
		return fmt.Errorf("op=generations.ValidateTemplate: template has no [[...]] token: %w", domain.ErrInvalid)
	}
	return nil
}

// Fill substitutes the tokens of a validated template.
func Fill(tpl, text string, contextVals map[string]string) string {
	return tokenRe.ReplaceAllStringFunc(tpl, func(tok string) string {
		name := tok[2 : len(tok)-2]
		if name == TextToken {
			return text
		}
		return contextVals[name]
	})
}

// Start validates the batch and queues it on the cpu pool. Each answer
// is stored as soon as it arrives so a stopped batch keeps its partial
// results.
func (s *Service) Start(ctx context.Context, project, dir string, spec BatchSpec) (string, error) {
	if spec.Model == "" {
		return "", fmt.Errorf("op=generations.Start: no model: %w", domain.ErrInvalid)
	}
	if err := ValidateTemplate(spec.Template, spec.ContextCols); err != nil {
		return "", err
	}
	if s.Queue.Pending(spec.User, TaskKind) {
		return "", fmt.Errorf("op=generations.Start: user %s already has a batch running: %w", spec.User, domain.ErrConflict)
	}

	paths := frame.ProjectPaths{Dir: dir}
	cols := append([]string{"text"}, spec.ContextCols...)
	fr, err := s.Store.Load(paths.Train(), cols...)
	if err != nil {
		return "", err
	}
	if fr.Col("text") == nil {
		return "", fmt.Errorf("op=generations.Start: no text column: %w", domain.ErrInternal)
	}
	n := fr.Len()
	if spec.NElements > 0 && spec.NElements < n {
		n = spec.NElements
	}

	fn := func(taskCtx context.Context) (any, error) {
		text := fr.Col("text")
		generated := 0
		for i := 0; i < n; i++ {
			if err := taskCtx.Err(); err != nil {
				return generated, err
			}
			ctxVals := make(map[string]string, len(spec.ContextCols))
			for _, c := range spec.ContextCols {
				col := fr.Col(c)
				if col == nil || !col.Valid[i] {
					continue
				}
				switch col.Kind {
				case frame.KindString:
					ctxVals[c] = col.Strings[i]
				case frame.KindFloat:
					ctxVals[c] = fmt.Sprintf("%g", col.Floats[i])
				}
			}
			prompt := Fill(spec.Template, text.Strings[i], ctxVals)
			answer, err := s.Client.Generate(taskCtx, spec.Model, prompt)
			if err != nil {
				return generated, err
			}
			rec := domain.GenRecord{
				Time:      time.Now().UTC(),
				User:      spec.User,
				Project:   project,
				ElementID: fr.IDs[i],
				ModelID:   spec.Model,
				Prompt:    prompt,
				Answer:    answer,
			}
			if err := s.Generations.Add(taskCtx, rec); err != nil {
				return generated, err
			}
			generated++
		}
		return generated, nil
	}
	done := func(result any, err error) {
		if err != nil {
			s.Log.Warn("generation batch stopped",
				slog.String("project", project),
				slog.String("user", spec.User),
				slog.Any("generated", result),
				slog.Any("error", err))
		}
	}
	return s.Queue.Add(TaskKind, project, spec.User, domain.PoolCPU, fn, done)
}

// Stop cancels the user's running batches. Stored answers stay.
func (s *Service) Stop(user string) []string {
	return s.Queue.KillUser(user, TaskKind)
}

// List returns the stored answers of a user in a project, newest first.
func (s *Service) List(ctx context.Context, project, user string, limit int) ([]domain.GenRecord, error) {
	return s.Generations.List(ctx, project, user, limit)
}

// Drop removes the stored answers of a user in a project.
func (s *Service) Drop(ctx context.Context, project, user string) error {
	return s.Generations.Delete(ctx, project, user)
}

// AddPrompt stores a reusable template after validating it.
func (s *Service) AddPrompt(ctx context.Context, p domain.Prompt, contextCols []string) error {
	if err := ValidateTemplate(p.Text, contextCols); err != nil {
		return err
	}
	if p.Time.IsZero() {
		p.Time = time.Now().UTC()
	}
	return s.Generations.AddPrompt(ctx, p)
}

// DeletePrompt removes a stored template.
func (s *Service) DeletePrompt(ctx context.Context, id int64) error {
	return s.Generations.DeletePrompt(ctx, id)
}

// ListPrompts returns the templates of a project.
func (s *Service) ListPrompts(ctx context.Context, project string) ([]domain.Prompt, error) {
	return s.Generations.ListPrompts(ctx, project)
}
