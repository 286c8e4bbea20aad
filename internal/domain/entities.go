// Package domain holds the core entities, enums and ports of the
// annotation server. It depends on nothing but the standard library so
// that adapters and services can be swapped freely.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalid       = errors.New("invalid argument")
	ErrConflict      = errors.New("conflict")
	ErrUnavailable   = errors.New("no element available")
	ErrForbidden     = errors.New("forbidden")
	ErrInternal      = errors.New("internal error")
)

// Dataset partitions. An element id lives in exactly one of
// {train, valid, test}; All is the original corpus including unused rows.
type Dataset string

const (
	DatasetTrain    Dataset = "train"
	DatasetValid    Dataset = "valid"
	DatasetTest     Dataset = "test"
	DatasetExternal Dataset = "external"
	DatasetAll      Dataset = "all"
)

// SchemeKind enumerates label-space kinds.
type SchemeKind string

const (
	SchemeMulticlass   SchemeKind = "multiclass"
	SchemeMultilabel   SchemeKind = "multilabel"
	SchemeHierarchical SchemeKind = "hierarchical"
)

// SelectionMode drives next_element.
type SelectionMode string

const (
	SelectionDeterministic SelectionMode = "deterministic"
	SelectionRandom        SelectionMode = "random"
	SelectionMaxProb       SelectionMode = "maxprob"
	SelectionActive        SelectionMode = "active"
	SelectionTest          SelectionMode = "test"
)

// SampleFilter restricts the candidate pool before selection.
type SampleFilter string

const (
	SampleUntagged SampleFilter = "untagged"
	SampleTagged   SampleFilter = "tagged"
	SampleAll      SampleFilter = "all"
)

// FeatureKind enumerates feature computations.
type FeatureKind string

const (
	FeatureSbert    FeatureKind = "sbert"
	FeatureFasttext FeatureKind = "fasttext"
	FeatureDfm      FeatureKind = "dfm"
	FeatureRegex    FeatureKind = "regex"
	FeatureDataset  FeatureKind = "dataset"
	// FeaturePrediction marks columns registered from a language-model
	// prediction run.
	FeaturePrediction FeatureKind = "prediction"
)

// ModelKind separates the two model families stored in the models table.
type ModelKind string

const (
	ModelQuick    ModelKind = "quickmodel"
	ModelLanguage ModelKind = "languagemodel"
)

// ModelStatus transitions are monotonic: queued -> training -> trained|failed.
type ModelStatus string

const (
	ModelQueued   ModelStatus = "queued"
	ModelTraining ModelStatus = "training"
	ModelTrained  ModelStatus = "trained"
	ModelFailed   ModelStatus = "failed"
)

// TaskState transitions are monotonic.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskDone      TaskState = "done"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// Pool names the two worker pools.
type Pool string

const (
	PoolCPU Pool = "cpu"
	PoolGPU Pool = "gpu"
)

// Role is the per-project authorization level.
type Role string

const (
	RoleManager   Role = "manager"
	RoleAnnotator Role = "annotator"
)

// Action kinds checked against the role matrix.
type Action string

const (
	ActionAdd          Action = "ADD"
	ActionUpdate       Action = "UPDATE"
	ActionDelete       Action = "DELETE"
	ActionGet          Action = "GET"
	ActionManageServer Action = "MANAGE_SERVER"
)

// ProjectParams is the durable parameter record of a project.
type ProjectParams struct {
	Slug         string
	Name         string
	Language     string
	Filename     string
	ColID        string
	ColsText     []string
	ColLabel     string
	ColsContext  []string
	ColsStratify []string
	NTrain       int
	NTest        int
	NValid       int
	NTotal       int
	AllColumns   []string
	HasTest      bool
	HasValid     bool
	Dir          string
}

// ProjectSummary is the listing row for a user.
type ProjectSummary struct {
	Slug         string
	Role         Role
	Params       ProjectParams
	CreatedBy    string
	CreatedAt    time.Time
	LastActivity *time.Time
}

// Scheme is a named label space within a project.
type Scheme struct {
	Project  string
	Name     string
	Kind     SchemeKind
	Labels   []string
	Codebook string
	// CodebookAt is the last modification stamp, used for conflict
	// detection when two users edit the codebook concurrently.
	CodebookAt time.Time
	CreatedBy  string
}

// Annotation is one append-only history record. The current label of an
// element within (scheme, user) is the record with the largest (Time, ID);
// a nil Label clears the element.
type Annotation struct {
	ID        string
	Time      time.Time
	Dataset   Dataset
	User      string
	Project   string
	ElementID string
	Scheme    string
	Label     *string
	Comment   string
}

// CurrentLabel is one row of a latest-per-element view. Dataset is the
// partition of the record, so replayed records land in the same
// partition as the ones they supersede.
type CurrentLabel struct {
	ElementID string
	Dataset   Dataset
	Label     *string
	User      string
	Time      time.Time
	Comment   string
}

// Disagreement is one reconciliation row: an element labeled by at least
// two users with at least two distinct non-null labels.
type Disagreement struct {
	ElementID string
	Labels    map[string]string // user -> latest label
	Current   *string
}

// Feature is the metadata row of a named column group in the frame store.
type Feature struct {
	Project    string
	Name       string
	Kind       FeatureKind
	Parameters map[string]any
	User       string
	Columns    []string
	Time       time.Time
}

// Model is a stored classifier, quick or language.
type Model struct {
	Project    string
	Name       string
	Kind       ModelKind
	User       string
	Scheme     string
	Parameters map[string]any
	Path       string
	Status     ModelStatus
	Time       time.Time
}

// User is an account row.
type User struct {
	Name          string
	HashedPass    string
	Role          string
	Mail          string
	CreatedBy     string
	CreatedAt     time.Time
	DeactivatedAt *time.Time
}

// LogEntry is one append-only audit record.
type LogEntry struct {
	ID      int64
	Time    time.Time
	User    string
	Project string
	Action  string
}

// GenRecord is one stored generation answer.
type GenRecord struct {
	ID        int64
	Time      time.Time
	User      string
	Project   string
	ElementID string
	ModelID   string
	Prompt    string
	Answer    string
}

// Prompt is a stored generation template.
type Prompt struct {
	ID      int64
	Project string
	User    string
	Name    string
	Text    string
	Time    time.Time
}

// Message is a user or system notice.
type Message struct {
	ID      int64
	Time    time.Time
	User    string
	Kind    string
	Content string
	For     string
}

// Repositories (ports)

type ProjectRepo interface {
	Add(ctx context.Context, params ProjectParams, user string) error
	Update(ctx context.Context, params ProjectParams) error
	Get(ctx context.Context, slug string) (ProjectParams, error)
	List(ctx context.Context) ([]string, error)
	// Delete cascades to all per-project tables.
	Delete(ctx context.Context, slug string) error
}

type UserRepo interface {
	Add(ctx context.Context, u User) error
	Get(ctx context.Context, name string) (User, error)
	List(ctx context.Context) ([]User, error)
	SetPassword(ctx context.Context, name, hashed string) error
	Deactivate(ctx context.Context, name string) error
	GetByMail(ctx context.Context, mail string) (User, error)
}

type AuthRepo interface {
	Set(ctx context.Context, project, user string, role Role) error
	Delete(ctx context.Context, project, user string) error
	Get(ctx context.Context, project, user string) (Role, error)
	ProjectAuth(ctx context.Context, project string) (map[string]Role, error)
	UserProjects(ctx context.Context, user string) (map[string]Role, error)
}

type SchemeRepo interface {
	Add(ctx context.Context, s Scheme) error
	Delete(ctx context.Context, project, name string) error
	Get(ctx context.Context, project, name string) (Scheme, error)
	List(ctx context.Context, project string) ([]Scheme, error)
	UpdateLabels(ctx context.Context, project, name string, labels []string) error
	UpdateCodebook(ctx context.Context, project, name, codebook string) error
	Rename(ctx context.Context, project, old, new string) error
	Duplicate(ctx context.Context, project, from, to, user string) error
}

type AnnotationRepo interface {
	Append(ctx context.Context, a Annotation) error
	AppendBatch(ctx context.Context, as []Annotation) error
	// LatestPerElement returns, for each element of the requested
	// partitions, the annotation with the maximum (time, id).
	LatestPerElement(ctx context.Context, project, scheme string, datasets []Dataset, user string) ([]CurrentLabel, error)
	History(ctx context.Context, project, scheme, elementID string, limit int) ([]Annotation, error)
	DistinctUsers(ctx context.Context, project, scheme string) ([]string, error)
	RecentIDs(ctx context.Context, project, user, scheme string, limit int, dataset Dataset) ([]string, error)
	// ReconciliationTable returns per-(element, user) latest labels for
	// disagreement analysis.
	ReconciliationTable(ctx context.Context, project, scheme string) ([]Disagreement, error)
	DeleteDataset(ctx context.Context, project string, dataset Dataset) error
}

type FeatureRepo interface {
	Add(ctx context.Context, f Feature) error
	Delete(ctx context.Context, project, name string) error
	Get(ctx context.Context, project, name string) (Feature, error)
	List(ctx context.Context, project string) ([]Feature, error)
	DeleteAll(ctx context.Context, project string) error
}

type ModelRepo interface {
	Add(ctx context.Context, m Model) error
	Get(ctx context.Context, project, name string) (Model, error)
	SetStatus(ctx context.Context, project, name string, status ModelStatus) error
	SetParam(ctx context.Context, project, name, flag string, value any) error
	// Rename rejects name collisions with ErrAlreadyExists.
	Rename(ctx context.Context, project, old, new string) error
	Delete(ctx context.Context, project, name string) error
	ListTrained(ctx context.Context, project string, kind ModelKind) ([]Model, error)
	List(ctx context.Context, project string, kind ModelKind) ([]Model, error)
}

type LogRepo interface {
	Add(ctx context.Context, user, action, project string) error
	List(ctx context.Context, project, user string, limit int) ([]LogEntry, error)
	// ActiveUsers returns users with a log entry in the last window.
	ActiveUsers(ctx context.Context, window time.Duration) ([]string, error)
	LastActivity(ctx context.Context, project string) (*time.Time, error)
}

type TokenRepo interface {
	Add(ctx context.Context, token, status string) error
	Status(ctx context.Context, token string) (string, error)
	Revoke(ctx context.Context, token string) error
}

type GenerationRepo interface {
	Add(ctx context.Context, g GenRecord) error
	List(ctx context.Context, project, user string, limit int) ([]GenRecord, error)
	Delete(ctx context.Context, project, user string) error
	AddPrompt(ctx context.Context, p Prompt) error
	DeletePrompt(ctx context.Context, id int64) error
	ListPrompts(ctx context.Context, project string) ([]Prompt, error)
}

type MessageRepo interface {
	Add(ctx context.Context, m Message) error
	List(ctx context.Context, kind, forWho string, limit int) ([]Message, error)
}

// Embedder produces dense vectors for texts. Implementations call an
// embeddings service (sbert-style models on GPU, fasttext-style on CPU) or
// return deterministic vectors in stub mode.
type Embedder interface {
	Embed(ctx context.Context, model string, texts []string) ([][]float64, error)
}

// GenClient answers a single prompt. Kept narrow: the core only needs to
// fan prompts out to it from the queue.
type GenClient interface {
	Generate(ctx context.Context, model, prompt string) (string, error)
}

// TrainSpec is the input of one fine-tuning run. Texts and Labels are
// aligned; artifacts land under Dir.
type TrainSpec struct {
	Project string
	Name    string
	Base    string
	Texts   []string
	Labels  []string
	Params  map[string]any
	Dir     string
}

// Trainer drives transformer fine-tuning and inference on an external
// service. Train blocks until done or the context is cancelled.
type Trainer interface {
	Train(ctx context.Context, spec TrainSpec) error
	// Predict returns per-text probabilities over the model's classes.
	Predict(ctx context.Context, modelDir string, texts []string) (classes []string, probas [][]float64, err error)
}
