// Package schemes manages label spaces and the append-only annotation
// history. Pushes for the same (project, element, scheme, user) key are
// serialized through a striped lock and stamped with monotonic ulids, so
// the current label of a key is a deterministic total order.
package schemes

import (
	"context"
	"crypto/rand"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/activetigger/activetigger/internal/adapter/observability"
	"github.com/activetigger/activetigger/internal/domain"
)

const lockStripes = 64

// Service exposes scheme and annotation operations for one server.
type Service struct {
	Schemes     domain.SchemeRepo
	Annotations domain.AnnotationRepo

	ulidMu  sync.Mutex
	entropy *ulid.MonotonicEntropy
	stripes [lockStripes]sync.Mutex
}

// NewService wires the repositories.
func NewService(schemes domain.SchemeRepo, annotations domain.AnnotationRepo) *Service {
	return &Service{
		Schemes:     schemes,
		Annotations: annotations,
		entropy:     ulid.Monotonic(rand.Reader, 0),
	}
}

func (s *Service) newULID() string {
	s.ulidMu.Lock()
	defer s.ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *Service) stripe(project, element, scheme, user string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(project))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(element))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(scheme))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(user))
	return &s.stripes[h.Sum32()%lockStripes]
}

// Add creates a scheme. The first scheme of a project is named default by
// the orchestrator; collisions surface as ErrAlreadyExists.
func (s *Service) Add(ctx context.Context, sc domain.Scheme) error {
	switch sc.Kind {
	case domain.SchemeMulticlass, domain.SchemeMultilabel, domain.SchemeHierarchical:
	case "":
		sc.Kind = domain.SchemeMulticlass
	default:
		return fmt.Errorf("op=schemes.Add: kind %q: %w", sc.Kind, domain.ErrInvalid)
	}
	return s.Schemes.Add(ctx, sc)
}

// Delete removes a scheme but keeps its annotation history for audit.
func (s *Service) Delete(ctx context.Context, project, name string) error {
	return s.Schemes.Delete(ctx, project, name)
}

// Reconciliation lists the train elements where at least two users hold
// at least two distinct non-null labels, with each user's latest label.
func (s *Service) Reconciliation(ctx context.Context, project, scheme string) ([]domain.Disagreement, error) {
	if _, err := s.Schemes.Get(ctx, project, scheme); err != nil {
		return nil, err
	}
	return s.Annotations.ReconciliationTable(ctx, project, scheme)
}

// Push appends one annotation after validating the label against the
// scheme. A nil label clears the element. Returns the record id.
func (s *Service) Push(ctx context.Context, a domain.Annotation) (string, error) {
	sc, err := s.Schemes.Get(ctx, a.Project, a.Scheme)
	if err != nil {
		return "", err
	}
	if a.Label != nil && !labelAllowed(sc, *a.Label) {
		return "", fmt.Errorf("op=schemes.Push: label %q not in scheme %s: %w", *a.Label, a.Scheme, domain.ErrInvalid)
	}
	switch a.Dataset {
	case domain.DatasetTrain, domain.DatasetValid, domain.DatasetTest:
	default:
		return "", fmt.Errorf("op=schemes.Push: dataset %q: %w", a.Dataset, domain.ErrInvalid)
	}

	mu := s.stripe(a.Project, a.ElementID, a.Scheme, a.User)
	mu.Lock()
	defer mu.Unlock()

	a.ID = s.newULID()
	if a.Time.IsZero() {
		a.Time = time.Now().UTC()
	}
	if err := s.Annotations.Append(ctx, a); err != nil {
		return "", err
	}
	observability.ObserveAnnotation(a.Project, string(a.Dataset))
	return a.ID, nil
}

// labelAllowed accepts hierarchical children of declared labels
// (parent.child) and any declared label verbatim.
func labelAllowed(sc domain.Scheme, label string) bool {
	for _, l := range sc.Labels {
		if l == label {
			return true
		}
		if sc.Kind == domain.SchemeHierarchical && len(label) > len(l) &&
			label[:len(l)] == l && label[len(l)] == '.' {
			return true
		}
	}
	return false
}

// AddLabel appends a label to the scheme's label set.
func (s *Service) AddLabel(ctx context.Context, project, scheme, label string) error {
	sc, err := s.Schemes.Get(ctx, project, scheme)
	if err != nil {
		return err
	}
	for _, l := range sc.Labels {
		if l == label {
			return fmt.Errorf("op=schemes.AddLabel: %q: %w", label, domain.ErrAlreadyExists)
		}
	}
	return s.Schemes.UpdateLabels(ctx, project, scheme, append(sc.Labels, label))
}

// DeleteLabel removes a label. History keeps the old rows; elements
// currently carrying the label are cleared by a null push from the user.
func (s *Service) DeleteLabel(ctx context.Context, project, scheme, label, user string) error {
	sc, err := s.Schemes.Get(ctx, project, scheme)
	if err != nil {
		return err
	}
	kept := sc.Labels[:0]
	found := false
	for _, l := range sc.Labels {
		if l == label {
			found = true
			continue
		}
		kept = append(kept, l)
	}
	if !found {
		return fmt.Errorf("op=schemes.DeleteLabel: %q: %w", label, domain.ErrNotFound)
	}
	if err := s.Schemes.UpdateLabels(ctx, project, scheme, kept); err != nil {
		return err
	}
	return s.convertLabel(ctx, project, scheme, label, nil, user)
}

// RenameLabel converts every element currently carrying old to new and
// swaps the label set entry.
func (s *Service) RenameLabel(ctx context.Context, project, scheme, old, new, user string) error {
	sc, err := s.Schemes.Get(ctx, project, scheme)
	if err != nil {
		return err
	}
	labels := append([]string(nil), sc.Labels...)
	found := false
	for i, l := range labels {
		if l == new {
			return fmt.Errorf("op=schemes.RenameLabel: %q: %w", new, domain.ErrAlreadyExists)
		}
		if l == old {
			labels[i] = new
			found = true
		}
	}
	if !found {
		return fmt.Errorf("op=schemes.RenameLabel: %q: %w", old, domain.ErrNotFound)
	}
	if err := s.Schemes.UpdateLabels(ctx, project, scheme, labels); err != nil {
		return err
	}
	return s.convertLabel(ctx, project, scheme, old, &new, user)
}

// convertLabel appends a new record for every element whose current
// label is from, in the partition of the record it supersedes; to == nil
// clears them.
func (s *Service) convertLabel(ctx context.Context, project, scheme, from string, to *string, user string) error {
	current, err := s.Annotations.LatestPerElement(ctx, project, scheme,
		[]domain.Dataset{domain.DatasetTrain, domain.DatasetValid, domain.DatasetTest}, "")
	if err != nil {
		return err
	}
	var batch []domain.Annotation
	now := time.Now().UTC()
	for _, c := range current {
		if c.Label == nil || *c.Label != from {
			continue
		}
		batch = append(batch, domain.Annotation{
			ID:        s.newULID(),
			Time:      now,
			Dataset:   c.Dataset,
			User:      user,
			Project:   project,
			ElementID: c.ElementID,
			Scheme:    scheme,
			Label:     to,
		})
	}
	if len(batch) == 0 {
		return nil
	}
	return s.Annotations.AppendBatch(ctx, batch)
}

// UpdateCodebook stores new text unless someone saved since the caller
// loaded theirs; a stale stamp is a conflict and the caller merges.
func (s *Service) UpdateCodebook(ctx context.Context, project, scheme, text string, loadedAt time.Time) error {
	sc, err := s.Schemes.Get(ctx, project, scheme)
	if err != nil {
		return err
	}
	if !loadedAt.IsZero() && sc.CodebookAt.After(loadedAt) {
		return fmt.Errorf("op=schemes.UpdateCodebook: modified at %s: %w", sc.CodebookAt.Format(time.RFC3339), domain.ErrConflict)
	}
	return s.Schemes.UpdateCodebook(ctx, project, scheme, text)
}

// Compare measures inter-scheme agreement on the elements labeled under
// both schemes: raw percent agreement and Cohen's kappa.
func (s *Service) Compare(ctx context.Context, project, schemeA, schemeB string) (agreement, kappa float64, n int, err error) {
	datasets := []domain.Dataset{domain.DatasetTrain}
	a, err := s.Annotations.LatestPerElement(ctx, project, schemeA, datasets, "")
	if err != nil {
		return 0, 0, 0, err
	}
	b, err := s.Annotations.LatestPerElement(ctx, project, schemeB, datasets, "")
	if err != nil {
		return 0, 0, 0, err
	}
	bByID := make(map[string]string, len(b))
	for _, c := range b {
		if c.Label != nil {
			bByID[c.ElementID] = *c.Label
		}
	}
	var agree int
	countA := make(map[string]int)
	countB := make(map[string]int)
	for _, c := range a {
		if c.Label == nil {
			continue
		}
		lb, ok := bByID[c.ElementID]
		if !ok {
			continue
		}
		n++
		countA[*c.Label]++
		countB[lb]++
		if *c.Label == lb {
			agree++
		}
	}
	if n == 0 {
		return 0, 0, 0, nil
	}
	agreement = float64(agree) / float64(n)
	var expected float64
	for l, ca := range countA {
		expected += float64(ca) * float64(countB[l]) / float64(n) / float64(n)
	}
	if expected < 1 {
		kappa = (agreement - expected) / (1 - expected)
	}
	if math.IsNaN(kappa) {
		kappa = 0
	}
	return agreement, kappa, n, nil
}

// Dichotomize creates a yes/no scheme from one label of a multilabel
// scheme and replays the current history into it.
func (s *Service) Dichotomize(ctx context.Context, project, scheme, label, user string) (string, error) {
	sc, err := s.Schemes.Get(ctx, project, scheme)
	if err != nil {
		return "", err
	}
	if sc.Kind != domain.SchemeMultilabel {
		return "", fmt.Errorf("op=schemes.Dichotomize: scheme %s is %s: %w", scheme, sc.Kind, domain.ErrInvalid)
	}
	name := scheme + "_" + label
	if err := s.Schemes.Add(ctx, domain.Scheme{
		Project:   project,
		Name:      name,
		Kind:      domain.SchemeMulticlass,
		Labels:    []string{label, "not-" + label},
		CreatedBy: user,
	}); err != nil {
		return "", err
	}
	current, err := s.Annotations.LatestPerElement(ctx, project, scheme,
		[]domain.Dataset{domain.DatasetTrain, domain.DatasetValid, domain.DatasetTest}, "")
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	var batch []domain.Annotation
	for _, c := range current {
		if c.Label == nil {
			continue
		}
		target := "not-" + label
		if containsLabel(*c.Label, label) {
			target = label
		}
		t := target
		batch = append(batch, domain.Annotation{
			ID:        s.newULID(),
			Time:      now,
			Dataset:   c.Dataset,
			User:      user,
			Project:   project,
			ElementID: c.ElementID,
			Scheme:    name,
			Label:     &t,
		})
	}
	if len(batch) > 0 {
		if err := s.Annotations.AppendBatch(ctx, batch); err != nil {
			return "", err
		}
	}
	return name, nil
}

// containsLabel checks membership in a multilabel value ("a|b|c").
func containsLabel(value, label string) bool {
	start := 0
	for i := 0; i <= len(value); i++ {
		if i == len(value) || value[i] == '|' {
			if value[start:i] == label {
				return true
			}
			start = i + 1
		}
	}
	return false
}
