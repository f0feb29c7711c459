package records

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Delimiter used by the pipeline's CSV snapshots.
const snapshotDelimiter = ';'

// Store holds the records of the current snapshot behind one lock.
// All mutation goes through it; there is no ambient package state.
type Store struct {
	path   string
	logger *zap.Logger

	mu           sync.RWMutex
	records      []*Record
	extraHeaders []string // non-core columns, sorted, for stable output
	loaded       bool
	lastMod      time.Time

	stale   atomic.Bool
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewStore creates a store bound to a snapshot path. Nothing is loaded
// until Load is called.
func NewStore(path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{path: path, logger: logger}
}

// Path returns the snapshot path the store is bound to.
func (s *Store) Path() string { return s.path }

// Loaded reports whether a snapshot is currently loaded.
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// Len returns the number of loaded records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Load parses the snapshot and atomically replaces the store contents.
// On failure the store is left empty rather than partially populated.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() error {
	fail := func(err error) error {
		s.records = nil
		s.extraHeaders = nil
		s.loaded = false
		return &LoadError{Path: s.path, Err: err}
	}

	f, err := os.Open(s.path)
	if err != nil {
		return fail(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fail(err)
	}

	reader := csv.NewReader(f)
	reader.Comma = snapshotDelimiter
	reader.FieldsPerRecord = -1

	rows, err := reader.ReadAll()
	if err != nil {
		return fail(fmt.Errorf("malformed csv: %w", err))
	}
	if len(rows) == 0 {
		return fail(errors.New("snapshot has no header row"))
	}

	headers := rows[0]
	headerIdx := make(map[string]int, len(headers))
	for i, h := range headers {
		headerIdx[h] = i
	}
	for _, required := range requiredHeaders {
		if _, ok := headerIdx[required]; !ok {
			return fail(fmt.Errorf("snapshot is missing required header %q", required))
		}
	}

	cell := func(row []string, name string) string {
		i, ok := headerIdx[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	core := map[string]bool{
		FieldAccessionID:    true,
		FieldStain:          true,
		FieldBlockNumber:    true,
		FieldComplete:       true,
		FieldOriginalLine:   true,
		FieldAccessionCount: true,
	}

	var extraHeaders []string
	for _, h := range headers {
		if !core[h] {
			extraHeaders = append(extraHeaders, h)
		}
	}
	sort.Strings(extraHeaders)

	recs := make([]*Record, 0, len(rows)-1)
	for i, row := range rows[1:] {
		line := cell(row, FieldOriginalLine)
		identifier, label, macro := parseOriginalLine(line)

		rec := &Record{
			OriginalIndex: i,
			AccessionID:   cell(row, FieldAccessionID),
			Stain:         cell(row, FieldStain),
			BlockNumber:   cell(row, FieldBlockNumber),
			IsComplete:    isTruthy(cell(row, FieldComplete)),
			OriginalLine:  line,
			Identifier:    identifier,
			LabelText:     label,
			MacroText:     macro,
		}
		if len(extraHeaders) > 0 {
			rec.Extra = make(map[string]string, len(extraHeaders))
			for _, h := range extraHeaders {
				rec.Extra[h] = cell(row, h)
			}
		}
		recs = append(recs, rec)
	}

	// Position each record within its identifier group so the UI can show
	// "file N of M" for multi-slide cases.
	groups := make(map[string][]*Record)
	for _, rec := range recs {
		if rec.Identifier != "" {
			groups[rec.Identifier] = append(groups[rec.Identifier], rec)
		}
	}
	for _, members := range groups {
		for j, rec := range members {
			rec.PatientFileNumber = j + 1
			rec.TotalPatientFiles = len(members)
		}
	}

	s.records = recs
	s.extraHeaders = extraHeaders
	s.loaded = true
	s.lastMod = info.ModTime()
	s.stale.Store(false)
	s.recomputeAccessionCountsLocked()

	s.logger.Info("loaded snapshot",
		zap.String("path", s.path),
		zap.Int("records", len(recs)))
	return nil
}

// Get returns a copy of the record at the given original index.
func (s *Store) Get(index int) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.records) {
		return Record{}, fmt.Errorf("record index %d out of range [0,%d)", index, len(s.records))
	}
	return s.records[index].clone(), nil
}

// Records returns a copy of every loaded record in index order.
func (s *Store) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.records))
	for i, rec := range s.records {
		out[i] = rec.clone()
	}
	return out
}

// RecomputeAccessionCounts rebuilds the accession frequency table and
// writes the count onto every record. O(n).
func (s *Store) RecomputeAccessionCounts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recomputeAccessionCountsLocked()
}

func (s *Store) recomputeAccessionCountsLocked() {
	counts := make(map[string]int)
	for _, rec := range s.records {
		id := strings.TrimSpace(rec.AccessionID)
		if id != "" {
			counts[id]++
		}
	}
	for _, rec := range s.records {
		id := strings.TrimSpace(rec.AccessionID)
		if id == "" {
			rec.AccessionCount = 0
		} else {
			rec.AccessionCount = counts[id]
		}
	}
}

// Edits is a set of submitted field values to reconcile against a record.
// Complete is applied only when non-nil; the caller owns the completion
// precondition.
type Edits struct {
	AccessionID string
	Stain       string
	BlockNumber string
	Complete    *bool
}

// Outcome reports what ApplyEdits changed.
type Outcome struct {
	Changed          bool
	AccessionChanged bool
}

// ApplyEdits diffs the submitted values against the record and applies the
// ones that differ. Accession counts are recomputed when the accession ID
// changed.
func (s *Store) ApplyEdits(index int, e Edits) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.records) {
		return Outcome{}, fmt.Errorf("record index %d out of range [0,%d)", index, len(s.records))
	}
	rec := s.records[index]

	var out Outcome
	if rec.AccessionID != e.AccessionID {
		rec.AccessionID = e.AccessionID
		out.Changed = true
		out.AccessionChanged = true
	}
	if rec.Stain != e.Stain {
		rec.Stain = e.Stain
		out.Changed = true
	}
	if rec.BlockNumber != e.BlockNumber {
		rec.BlockNumber = e.BlockNumber
		out.Changed = true
	}
	if e.Complete != nil && rec.IsComplete != *e.Complete {
		rec.IsComplete = *e.Complete
		out.Changed = true
	}

	if out.AccessionChanged {
		s.recomputeAccessionCountsLocked()
	}
	return out, nil
}

// AllIndices returns every original index in order.
func (s *Store) AllIndices() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, len(s.records))
	for i := range s.records {
		out[i] = i
	}
	return out
}

// IncompleteIndices returns the original indices of records not yet
// marked complete, in order.
func (s *Store) IncompleteIndices() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int
	for i, rec := range s.records {
		if !rec.IsComplete {
			out = append(out, i)
		}
	}
	return out
}

// DisplayIndices returns the index sequence for the requested display mode.
func (s *Store) DisplayIndices(incompleteOnly bool) []int {
	if incompleteOnly {
		return s.IncompleteIndices()
	}
	return s.AllIndices()
}

// DisplayInfo locates an original index inside the active display list,
// returning its 0-based display position and the display total.
func (s *Store) DisplayInfo(index int, incompleteOnly bool) (pos, total int, ok bool) {
	indices := s.DisplayIndices(incompleteOnly)
	for p, idx := range indices {
		if idx == index {
			return p, len(indices), true
		}
	}
	return 0, len(indices), false
}

// Navigation directions accepted by NavigationIndex.
const (
	NavNext          = "next"
	NavPrev          = "prev"
	NavNextIncorrect = "next_incorrect"
)

// NavigationIndex resolves the next original index for a navigation action
// relative to the current one, honoring the display filter. The
// next-incorrect direction wraps around to the start of the list.
func (s *Store) NavigationIndex(current int, direction string, incompleteOnly bool) (int, bool) {
	indices := s.DisplayIndices(incompleteOnly)
	if len(indices) == 0 {
		return 0, false
	}

	pos := -1
	for p, idx := range indices {
		if idx == current {
			pos = p
			break
		}
	}
	if pos == -1 {
		// Current row fell out of the filtered list; restart from the top.
		return indices[0], true
	}

	switch direction {
	case NavNext:
		if pos+1 < len(indices) {
			return indices[pos+1], true
		}
	case NavPrev:
		if pos-1 >= 0 {
			return indices[pos-1], true
		}
	case NavNextIncorrect:
		s.mu.RLock()
		defer s.mu.RUnlock()
		for i := pos + 1; i < len(indices); i++ {
			if !s.records[indices[i]].IsComplete {
				return indices[i], true
			}
		}
		for i := 0; i <= pos; i++ {
			if !s.records[indices[i]].IsComplete {
				return indices[i], true
			}
		}
	}
	return 0, false
}

// Search finds the first record whose accession ID or identifier matches
// the term, case-insensitively.
func (s *Store) Search(term string) (int, bool) {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return 0, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i, rec := range s.records {
		if strings.ToLower(rec.AccessionID) == term || strings.ToLower(rec.Identifier) == term {
			return i, true
		}
	}
	return 0, false
}

// Prefill holds suggested values for empty editable fields, derived from
// sibling records. Suggestions never mutate the store.
type Prefill struct {
	AccessionID string `json:"accession_id,omitempty"`
	Stain       string `json:"stain,omitempty"`
}

// PrefillSuggestions suggests an accession ID from another slide of the
// same case (matching identifier), then a stain from any record sharing
// the effective accession ID.
func (s *Store) PrefillSuggestions(index int) (Prefill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index < 0 || index >= len(s.records) {
		return Prefill{}, fmt.Errorf("record index %d out of range [0,%d)", index, len(s.records))
	}
	rec := s.records[index]

	var p Prefill
	accession := rec.AccessionID
	if accession == "" && rec.Identifier != "" {
		for _, other := range s.records {
			if other.OriginalIndex != index && other.Identifier == rec.Identifier && other.AccessionID != "" {
				p.AccessionID = other.AccessionID
				accession = other.AccessionID
				break
			}
		}
	}
	if rec.Stain == "" && accession != "" {
		for _, other := range s.records {
			if other.OriginalIndex != index && other.AccessionID == accession && other.Stain != "" {
				p.Stain = other.Stain
				break
			}
		}
	}
	return p, nil
}

// EnsureFresh reloads the snapshot when the on-disk file changed since the
// last load (external edit, or first use). Returns whether a reload
// happened. A reload discards all in-memory record state for the previous
// snapshot.
func (s *Store) EnsureFresh() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded && !s.stale.Load() {
		info, err := os.Stat(s.path)
		if err != nil {
			return false, &LoadError{Path: s.path, Err: err}
		}
		if info.ModTime().Equal(s.lastMod) {
			return false, nil
		}
	}

	prior := len(s.records)
	if err := s.loadLocked(); err != nil {
		return false, err
	}
	if prior > 0 && len(s.records) != prior {
		s.logger.Warn("snapshot row count changed across reload; positional leases may be invalid",
			zap.Int("before", prior),
			zap.Int("after", len(s.records)))
	}
	return true, nil
}

// Watch starts an fsnotify watcher that flags the store stale when the
// snapshot changes on disk. The watcher observes the parent directory:
// atomic saves replace the file by rename, which would silently detach a
// watch on the file itself.
func (s *Store) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create snapshot watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	s.watcher = w
	s.done = make(chan struct{})
	base := filepath.Base(s.path)

	go func() {
		for {
			select {
			case <-s.done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					s.stale.Store(true)
					s.logger.Debug("snapshot changed on disk", zap.String("op", ev.Op.String()))
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("snapshot watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Close stops the snapshot watcher, if one is running.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	close(s.done)
	err := s.watcher.Close()
	s.watcher = nil
	return err
}
