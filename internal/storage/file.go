package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "chatalert/pkg/logx"
)

// fileStore keeps everything in one append-only JSON Lines file:
//
//	<prefix>.highlights.jsonl
//
// Records are highlight appends, activation marks and dedup entries.
// PruneHighlights rewrites the file with what survives.
type fileStore struct {
	log  logx.Logger
	path string

	mu   sync.Mutex
	f    *os.File
	tail []Highlight // oldest first, at most tailSize
	idx  map[string]int
	size int

	dedup map[string]int64 // unix milli
}

const defaultTailSize = 1000

type fileRecord struct {
	Op        string     `json:"op"`
	Highlight *Highlight `json:"h,omitempty"`
	ID        string     `json:"id,omitempty"`
	At        int64      `json:"at,omitempty"`
	Key       string     `json:"key,omitempty"`
	Until     int64      `json:"until,omitempty"`
}

const (
	opHighlight = "highlight"
	opActivated = "activated"
	opDedup     = "dedup"
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:   log,
		path:  filepath.Join(dir, base) + ".highlights.jsonl",
		size:  cfg.TailSize,
		idx:   map[string]int{},
		dedup: map[string]int64{},
	}
	if s.size <= 0 {
		s.size = defaultTailSize
	}
	if err := s.replay(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.f = f
	log.Info("file store opened", logx.String("path", s.path), logx.Int("recent", len(s.tail)))
	return s, nil
}

func (s *fileStore) replay() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	bad := 0
	for sc.Scan() {
		var r fileRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			bad++
			continue
		}
		s.applyLocked(r)
	}
	if bad > 0 {
		s.log.Warn("skipped corrupt store records", logx.Int("count", bad))
	}
	now := time.Now().UnixMilli()
	for k, v := range s.dedup {
		if v < now {
			delete(s.dedup, k)
		}
	}
	return sc.Err()
}

func (s *fileStore) applyLocked(r fileRecord) {
	switch r.Op {
	case opHighlight:
		if r.Highlight != nil {
			s.pushLocked(*r.Highlight)
		}
	case opActivated:
		if i, ok := s.idx[r.ID]; ok {
			s.tail[i].ActivatedAt = time.UnixMilli(r.At)
		}
	case opDedup:
		if r.Key != "" {
			s.dedup[r.Key] = r.Until
		}
	}
}

func (s *fileStore) pushLocked(h Highlight) {
	s.tail = append(s.tail, h)
	if over := len(s.tail) - s.size; over > 0 {
		s.tail = append([]Highlight(nil), s.tail[over:]...)
	}
	s.reindexLocked()
}

func (s *fileStore) reindexLocked() {
	clear(s.idx)
	for i, h := range s.tail {
		if h.ID != "" {
			s.idx[h.ID] = i
		}
	}
}

func (s *fileStore) writeLocked(r fileRecord) error {
	if s.f == nil {
		return errors.New("store closed")
	}
	return json.NewEncoder(s.f).Encode(r)
}

func (s *fileStore) AppendHighlight(ctx context.Context, h Highlight) error {
	_ = ctx
	if h.At.IsZero() {
		h.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeLocked(fileRecord{Op: opHighlight, Highlight: &h}); err != nil {
		return err
	}
	s.pushLocked(h)
	return nil
}

func (s *fileStore) MarkActivated(ctx context.Context, id string, at time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.idx[id]
	if !ok {
		return nil
	}
	if err := s.writeLocked(fileRecord{Op: opActivated, ID: id, At: at.UnixMilli()}); err != nil {
		return err
	}
	s.tail[i].ActivatedAt = time.UnixMilli(at.UnixMilli())
	return nil
}

func (s *fileStore) RecentHighlights(ctx context.Context, limit int) ([]Highlight, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.tail) {
		limit = len(s.tail)
	}
	out := make([]Highlight, 0, limit)
	for i := len(s.tail) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.tail[i])
	}
	return out, nil
}

// PruneHighlights compacts the log: surviving highlights (with their
// activation folded in) and unexpired dedup keys are rewritten to a temp file
// which then replaces the log.
func (s *fileStore) PruneHighlights(ctx context.Context, before time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, errors.New("store closed")
	}

	// Re-read the whole file; the in-memory tail may be shorter than the log.
	all, err := s.readAllHighlightsLocked()
	if err != nil {
		return 0, err
	}
	keep := all[:0]
	for _, h := range all {
		if !h.At.Before(before) {
			keep = append(keep, h)
		}
	}
	removed := len(all) - len(keep)

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(f)
	for i := range keep {
		if err := enc.Encode(fileRecord{Op: opHighlight, Highlight: &keep[i]}); err != nil {
			_ = f.Close()
			return 0, err
		}
	}
	now := time.Now().UnixMilli()
	for k, v := range s.dedup {
		if v < now {
			delete(s.dedup, k)
			continue
		}
		if err := enc.Encode(fileRecord{Op: opDedup, Key: k, Until: v}); err != nil {
			_ = f.Close()
			return 0, err
		}
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	_ = s.f.Close()
	s.f = nil
	if err := os.Rename(tmp, s.path); err != nil {
		return 0, err
	}
	s.f, err = os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}

	s.tail = s.tail[:0]
	start := max(0, len(keep)-s.size)
	s.tail = append(s.tail, keep[start:]...)
	s.reindexLocked()
	return removed, nil
}

func (s *fileStore) readAllHighlightsLocked() ([]Highlight, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Highlight
	pos := map[string]int{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r fileRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch r.Op {
		case opHighlight:
			if r.Highlight == nil {
				continue
			}
			if r.Highlight.ID != "" {
				pos[r.Highlight.ID] = len(out)
			}
			out = append(out, *r.Highlight)
		case opActivated:
			if i, ok := pos[r.ID]; ok {
				out[i].ActivatedAt = time.UnixMilli(r.At)
			}
		}
	}
	return out, sc.Err()
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeLocked(fileRecord{Op: opDedup, Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedup[key] = ms
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[strings.TrimSpace(key)]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
