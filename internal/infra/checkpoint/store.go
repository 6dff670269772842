// Package checkpoint persists per-task progress so that a re-attempted
// task can continue from its last partial output instead of restarting.
// Records live as JSON files in three bucket directories (active,
// completed, failed); a SQLite index catalogs them so resume lookups and
// summaries never scan the buckets. Every record write goes through a
// temp file and rename, so a kill mid-write leaves the previous version
// intact.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/testsmith-ai/testsmith/internal/domain"
)

// Buckets a checkpoint can live in.
const (
	BucketActive    = "active"
	BucketCompleted = "completed"
	BucketFailed    = "failed"
)

// Phases a task moves through. PhasePreparing is never worth resuming.
const (
	PhasePreparing  = "preparing"
	PhaseGenerating = "generating"
	PhaseProcessing = "processing"
)

// Config controls resume eligibility and failure handling.
type Config struct {
	ResumeThreshold int // minimum progress percent before resume pays off
	MaxFailures     int // consecutive failures before active → failed
	ResumeTailBytes int // how much partial output a resume prompt embeds
}

// DefaultConfig returns the stock checkpoint policy.
func DefaultConfig() Config {
	return Config{
		ResumeThreshold: 10,
		MaxFailures:     3,
		ResumeTailBytes: 4096,
	}
}

// Record is the durable state of one checkpoint.
type Record struct {
	ID             string    `json:"id"`
	TaskID         string    `json:"task_id"`
	SourceRef      string    `json:"source_ref,omitempty"`
	IdentityHash   string    `json:"identity_hash"`
	Phase          string    `json:"phase"`
	Progress       int       `json:"progress"`
	PartialOutput  string    `json:"partial_output,omitempty"`
	TokensUsed     int       `json:"tokens_used"`
	Failures       int       `json:"failures"`
	FailureReasons []string  `json:"failure_reasons,omitempty"`
	Result         string    `json:"result,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Update carries the mutable fields of a progress update.
type Update struct {
	Phase         string
	Progress      int
	PartialOutput string
	TokensUsed    int
}

// Resume is the answer to a resume-eligibility query.
type Resume struct {
	CanResume    bool
	CheckpointID string
	LastProgress int
}

// ResumeSpec is a continuation request built from a stored checkpoint.
type ResumeSpec struct {
	Prompt                   string
	EstimatedRemainingTokens int
}

// Info is one checkpoint as reported by Summary.
type Info struct {
	ID        string
	TaskID    string
	SourceRef string
	Bucket    string
	Phase     string
	Progress  int
	Failures  int
	UpdatedAt time.Time
}

// Summary aggregates the store's contents.
type Summary struct {
	TotalCheckpoints  int
	ActiveCheckpoints int
	Recoverable       []Info
	Oldest            time.Time
	Newest            time.Time
}

// Store is the checkpoint repository. All mutating calls serialize on
// one mutex; the index and the bucket files never disagree for longer
// than the window between the two writes inside a single locked call.
type Store struct {
	mu  sync.Mutex
	dir string
	cfg Config
	idx *index
	now func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithNowFunc overrides the time source (tests).
func WithNowFunc(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore opens (creating if needed) the checkpoint store rooted at dir.
func NewStore(dir string, cfg Config, opts ...Option) (*Store, error) {
	if cfg.ResumeThreshold <= 0 {
		cfg.ResumeThreshold = DefaultConfig().ResumeThreshold
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultConfig().MaxFailures
	}
	if cfg.ResumeTailBytes <= 0 {
		cfg.ResumeTailBytes = DefaultConfig().ResumeTailBytes
	}

	for _, bucket := range []string{BucketActive, BucketCompleted, BucketFailed} {
		if err := os.MkdirAll(filepath.Join(dir, bucket), 0700); err != nil {
			return nil, fmt.Errorf("create checkpoint dir: %w", err)
		}
	}

	idx, err := openIndex(dir)
	if err != nil {
		return nil, err
	}

	s := &Store{dir: dir, cfg: cfg, idx: idx, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the index database.
func (s *Store) Close() error { return s.idx.Close() }

// IdentityHash fingerprints the work request. A changed prompt or
// context yields a different hash, so stale checkpoints never match.
func IdentityHash(task *domain.Task) string {
	h := sha256.New()
	h.Write([]byte(task.Prompt))
	h.Write([]byte{0})
	h.Write([]byte(task.Context))
	return hex.EncodeToString(h.Sum(nil))
}

// Create starts a new active checkpoint for the task.
func (s *Store) Create(task *domain.Task, phase string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := &Record{
		ID:           uuid.NewString(),
		TaskID:       task.ID,
		SourceRef:    task.SourceRef,
		IdentityHash: IdentityHash(task),
		Phase:        phase,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if rec.Phase == "" {
		rec.Phase = PhasePreparing
	}

	if err := s.writeRecord(BucketActive, rec); err != nil {
		return "", err
	}
	if err := s.idx.upsert(recordEntry(rec, BucketActive)); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Update applies a progress update to an active checkpoint.
func (s *Store) Update(id string, upd Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.loadActive(id)
	if err != nil {
		return err
	}

	if upd.Phase != "" {
		rec.Phase = upd.Phase
	}
	if upd.Progress > rec.Progress {
		rec.Progress = upd.Progress
	}
	if upd.PartialOutput != "" {
		rec.PartialOutput = upd.PartialOutput
	}
	if upd.TokensUsed > rec.TokensUsed {
		rec.TokensUsed = upd.TokensUsed
	}
	rec.UpdatedAt = s.now()

	if err := s.writeRecord(BucketActive, rec); err != nil {
		return err
	}
	return s.idx.upsert(recordEntry(rec, BucketActive))
}

// CanResume reports whether an active checkpoint lets the task skip a
// cold start: the identity hash must still match and enough progress
// must be banked past the preparing phase.
func (s *Store) CanResume(task *domain.Task) (Resume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.idx.findActiveByHash(IdentityHash(task))
	if err != nil {
		return Resume{}, err
	}
	if e == nil {
		return Resume{}, nil
	}
	if e.Phase == PhasePreparing || e.Progress <= s.cfg.ResumeThreshold {
		return Resume{}, nil
	}
	return Resume{CanResume: true, CheckpointID: e.ID, LastProgress: e.Progress}, nil
}

// Complete moves an active checkpoint to the completed bucket.
func (s *Store) Complete(id string, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.loadActive(id)
	if err != nil {
		return err
	}

	rec.Result = result
	rec.Progress = 100
	rec.Phase = PhaseProcessing
	rec.UpdatedAt = s.now()

	return s.moveRecord(rec, BucketActive, BucketCompleted)
}

// Fail records one failure against an active checkpoint. On the
// MaxFailures-th consecutive failure the checkpoint moves to the failed
// bucket and fatal=true is returned; until then it stays active so the
// task may retry against it.
func (s *Store) Fail(id string, reason string) (fatal bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.loadActive(id)
	if err != nil {
		return false, err
	}

	rec.Failures++
	rec.FailureReasons = append(rec.FailureReasons, reason)
	rec.UpdatedAt = s.now()

	if rec.Failures >= s.cfg.MaxFailures {
		return true, s.moveRecord(rec, BucketActive, BucketFailed)
	}

	if err := s.writeRecord(BucketActive, rec); err != nil {
		return false, err
	}
	return false, s.idx.upsert(recordEntry(rec, BucketActive))
}

// ResumeRequest builds a continuation prompt from a stored checkpoint,
// embedding the tail of the partial output, and estimates how many
// tokens remain. A corrupt record is dropped and reported; the caller
// falls back to a fresh start.
func (s *Store) ResumeRequest(id string, task *domain.Task) (ResumeSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.loadActive(id)
	if err != nil {
		return ResumeSpec{}, err
	}

	tail := rec.PartialOutput
	if len(tail) > s.cfg.ResumeTailBytes {
		tail = tail[len(tail)-s.cfg.ResumeTailBytes:]
	}

	remaining := task.EstimatedTokens - rec.TokensUsed
	if remaining < 0 {
		remaining = 0
	}

	var b strings.Builder
	b.WriteString("A previous attempt at this request was interrupted at ")
	fmt.Fprintf(&b, "%d%% (phase: %s). Continue from the partial output below ", rec.Progress, rec.Phase)
	b.WriteString("and produce the complete final output. Do not repeat what is already there.\n\n")
	b.WriteString("--- PARTIAL OUTPUT ---\n")
	b.WriteString(tail)
	b.WriteString("\n--- END PARTIAL OUTPUT ---\n\n")
	b.WriteString("Original request:\n")
	b.WriteString(task.Prompt)

	return ResumeSpec{Prompt: b.String(), EstimatedRemainingTokens: remaining}, nil
}

// Cleanup removes checkpoints in any bucket last touched before the
// retention window. Returns how many were removed.
func (s *Store) Cleanup(maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	old, err := s.idx.listOlderThan(cutoff)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range old {
		if err := os.Remove(s.recordPath(e.Bucket, e.ID)); err != nil && !os.IsNotExist(err) {
			log.Printf("checkpoint: cleanup %s: %v", e.ID, err)
			continue
		}
		if err := s.idx.delete(e.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Summary aggregates the store from the index alone.
func (s *Store) Summary() (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.idx.list("")
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{TotalCheckpoints: len(all)}
	for _, e := range all {
		if sum.Oldest.IsZero() || e.CreatedAt.Before(sum.Oldest) {
			sum.Oldest = e.CreatedAt
		}
		if e.UpdatedAt.After(sum.Newest) {
			sum.Newest = e.UpdatedAt
		}
		if e.Bucket != BucketActive {
			continue
		}
		sum.ActiveCheckpoints++
		if e.Phase != PhasePreparing && e.Progress > s.cfg.ResumeThreshold {
			sum.Recoverable = append(sum.Recoverable, Info{
				ID:        e.ID,
				TaskID:    e.TaskID,
				SourceRef: e.SourceRef,
				Bucket:    e.Bucket,
				Phase:     e.Phase,
				Progress:  e.Progress,
				Failures:  e.Failures,
				UpdatedAt: e.UpdatedAt,
			})
		}
	}
	return sum, nil
}

// List returns index entries for a bucket ("" for all), newest first.
func (s *Store) List(bucket string) ([]Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.idx.list(bucket)
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, Info{
			ID:        e.ID,
			TaskID:    e.TaskID,
			SourceRef: e.SourceRef,
			Bucket:    e.Bucket,
			Phase:     e.Phase,
			Progress:  e.Progress,
			Failures:  e.Failures,
			UpdatedAt: e.UpdatedAt,
		})
	}
	return infos, nil
}

// ─── Record I/O ─────────────────────────────────────────────────────────────

func (s *Store) recordPath(bucket, id string) string {
	return filepath.Join(s.dir, bucket, id+".json")
}

// loadActive reads an active record. A record present in the index but
// unreadable on disk is dropped and reported as corrupt.
func (s *Store) loadActive(id string) (*Record, error) {
	e, err := s.idx.get(id)
	if err != nil {
		return nil, err
	}
	if e == nil || e.Bucket != BucketActive {
		return nil, fmt.Errorf("%w: %s", domain.ErrCheckpointNotFound, id)
	}

	data, err := os.ReadFile(s.recordPath(BucketActive, id))
	if err != nil {
		s.dropCorrupt(BucketActive, id)
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrCheckpointCorrupt, id, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.dropCorrupt(BucketActive, id)
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrCheckpointCorrupt, id, err)
	}
	return &rec, nil
}

// dropCorrupt removes an unreadable record from disk and index.
func (s *Store) dropCorrupt(bucket, id string) {
	if err := os.Remove(s.recordPath(bucket, id)); err != nil && !os.IsNotExist(err) {
		log.Printf("checkpoint: drop corrupt %s: %v", id, err)
	}
	if err := s.idx.delete(id); err != nil {
		log.Printf("checkpoint: drop corrupt %s from index: %v", id, err)
	}
	log.Printf("checkpoint: dropped corrupt record %s", id)
}

// writeRecord persists a record atomically (temp file + rename).
func (s *Store) writeRecord(bucket string, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	final := s.recordPath(bucket, rec.ID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// moveRecord writes the record into the destination bucket, updates the
// index, then removes the source file. Written before removed, so a
// crash in between leaves a duplicate rather than a loss; the index
// already points at the destination.
func (s *Store) moveRecord(rec *Record, from, to string) error {
	if err := s.writeRecord(to, rec); err != nil {
		return err
	}
	if err := s.idx.upsert(recordEntry(rec, to)); err != nil {
		return err
	}
	if err := os.Remove(s.recordPath(from, rec.ID)); err != nil && !os.IsNotExist(err) {
		log.Printf("checkpoint: remove %s from %s: %v", rec.ID, from, err)
	}
	return nil
}

func recordEntry(rec *Record, bucket string) entry {
	return entry{
		ID:           rec.ID,
		TaskID:       rec.TaskID,
		SourceRef:    rec.SourceRef,
		IdentityHash: rec.IdentityHash,
		Bucket:       bucket,
		Phase:        rec.Phase,
		Progress:     rec.Progress,
		Failures:     rec.Failures,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}
