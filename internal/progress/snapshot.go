// Package progress holds the durable progress snapshot of long-running tasks.
package progress

import (
	"slices"
	"time"
)

// SchemaVersion is the snapshot layout written by this binary.
const SchemaVersion = 1

// Outcome types.
const (
	OutcomeSuccess = "success"
	OutcomeSkip    = "skip"
	OutcomeError   = "error"
)

// Outcome is one per-record entry in the results ring.
type Outcome struct {
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is the checkpoint of a resumable run.
type Snapshot struct {
	SchemaVersion    int       `json:"schemaVersion"`
	Current          int       `json:"current"`
	Total            int       `json:"total"`
	Percentage       int       `json:"percentage"`
	IsRunning        bool      `json:"isRunning"`
	Results          []Outcome `json:"results"`
	ProcessedNoteIDs []int64   `json:"processedNoteIds"`
	FailedNoteIDs    []int64   `json:"failedNoteIds"`
	SkippedNoteIDs   []int64   `json:"skippedNoteIds"`
	LastProcessedID  *int64    `json:"lastProcessedId,omitempty"`
	RetryCount       int       `json:"retryCount"`
	StartTime        time.Time `json:"startTime"`
	LastUpdate       time.Time `json:"lastUpdate"`
	IsIncremental    bool      `json:"isIncremental"`
	// IndexResetBy is the job that already wiped the index for this run, so a
	// redelivery of that job does not wipe it again.
	IndexResetBy string `json:"indexResetBy,omitempty"`

	// lookup indexes over the id sets, built lazily and never serialized
	processed, failed, skipped idIndex
}

// idIndex mirrors one id slice for constant time membership checks.
type idIndex map[int64]struct{}

// sync returns idx when it still covers ids, otherwise a rebuilt index. The
// sets never hold duplicates, so a length mismatch means ids changed behind
// the helpers' back.
func (idx idIndex) sync(ids []int64) idIndex {
	if idx != nil && len(idx) == len(ids) {
		return idx
	}
	idx = make(idIndex, len(ids))
	for _, id := range ids {
		idx[id] = struct{}{}
	}
	return idx
}

// Fresh returns a zero snapshot for a new running run.
func Fresh(now time.Time) *Snapshot {
	return &Snapshot{
		SchemaVersion:    SchemaVersion,
		IsRunning:        true,
		Results:          []Outcome{},
		ProcessedNoteIDs: []int64{},
		FailedNoteIDs:    []int64{},
		SkippedNoteIDs:   []int64{},
		StartTime:        now,
		LastUpdate:       now,
	}
}

// Percent is floor(current/total*100), capped at 100. A zero total counts as done.
func Percent(current, total int) int {
	if total <= 0 {
		return 100
	}
	p := current * 100 / total
	if p > 100 {
		return 100
	}
	if p < 0 {
		return 0
	}
	return p
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Results = slices.Clone(s.Results)
	c.ProcessedNoteIDs = slices.Clone(s.ProcessedNoteIDs)
	c.FailedNoteIDs = slices.Clone(s.FailedNoteIDs)
	c.SkippedNoteIDs = slices.Clone(s.SkippedNoteIDs)
	c.processed, c.failed, c.skipped = nil, nil, nil
	if s.LastProcessedID != nil {
		id := *s.LastProcessedID
		c.LastProcessedID = &id
	}
	return &c
}

// AddResult appends o and keeps only the most recent limit entries.
func (s *Snapshot) AddResult(o Outcome, limit int) {
	s.Results = append(s.Results, o)
	if limit > 0 && len(s.Results) > limit {
		s.Results = slices.Clone(s.Results[len(s.Results)-limit:])
	}
}

func (s *Snapshot) IsProcessed(id int64) bool {
	s.processed = s.processed.sync(s.ProcessedNoteIDs)
	_, ok := s.processed[id]
	return ok
}

func (s *Snapshot) IsFailed(id int64) bool {
	s.failed = s.failed.sync(s.FailedNoteIDs)
	_, ok := s.failed[id]
	return ok
}

func (s *Snapshot) MarkProcessed(id int64) {
	s.ProcessedNoteIDs, s.processed = addID(s.ProcessedNoteIDs, s.processed, id)
}

func (s *Snapshot) MarkFailed(id int64) {
	s.FailedNoteIDs, s.failed = addID(s.FailedNoteIDs, s.failed, id)
}

func (s *Snapshot) MarkSkipped(id int64) {
	s.SkippedNoteIDs, s.skipped = addID(s.SkippedNoteIDs, s.skipped, id)
}

// MarkRecovered drops id from the failed set after a later attempt succeeded.
func (s *Snapshot) MarkRecovered(id int64) {
	if !s.IsFailed(id) {
		return
	}
	s.FailedNoteIDs = slices.DeleteFunc(slices.Clone(s.FailedNoteIDs), func(v int64) bool { return v == id })
	delete(s.failed, id)
}

// ClearFailed removes the failed ids from the processed set and empties the
// failed set so those records are picked up again.
func (s *Snapshot) ClearFailed() {
	failed := s.failed.sync(s.FailedNoteIDs)
	s.ProcessedNoteIDs = slices.DeleteFunc(slices.Clone(s.ProcessedNoteIDs), func(id int64) bool {
		_, ok := failed[id]
		return ok
	})
	s.FailedNoteIDs = []int64{}
	s.processed, s.failed = nil, nil
}

func addID(ids []int64, idx idIndex, id int64) ([]int64, idIndex) {
	idx = idx.sync(ids)
	if _, ok := idx[id]; ok {
		return ids, idx
	}
	idx[id] = struct{}{}
	return append(ids, id), idx
}

// upgrade brings an older layout to SchemaVersion and fills nil sets.
func (s *Snapshot) upgrade() {
	if s.SchemaVersion == 0 {
		// untagged legacy blob: same field names, no version
		s.SchemaVersion = SchemaVersion
	}
	if s.Results == nil {
		s.Results = []Outcome{}
	}
	if s.ProcessedNoteIDs == nil {
		s.ProcessedNoteIDs = []int64{}
	}
	if s.FailedNoteIDs == nil {
		s.FailedNoteIDs = []int64{}
	}
	if s.SkippedNoteIDs == nil {
		s.SkippedNoteIDs = []int64{}
	}
}
