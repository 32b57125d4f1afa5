package trialstore

// ============================================================================
// File backend
// <dir>/study-<escaped name>/trials.ledger  append-only checksummed events
// <dir>/study-<escaped name>/settings.json  atomically replaced settings
// All operations hold the store mutex, so a delete cannot interleave with
// an append and readers only replay complete lines.
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ChuLiYu/budget-optimizer/internal/snapshot"
	"github.com/ChuLiYu/budget-optimizer/internal/storage/ledger"
	"github.com/ChuLiYu/budget-optimizer/pkg/types"
)

const (
	studyDirPrefix   = "study-"
	ledgerFileName   = "trials.ledger"
	settingsFileName = "settings.json"
)

type openLedger struct {
	ledger *ledger.Ledger
	trials int
}

// LedgerStore keeps each study in its own directory of files.
type LedgerStore struct {
	dir          string
	syncOnAppend bool
	log          *slog.Logger

	mu      sync.Mutex
	studies map[string]*openLedger
}

// NewLedgerStore creates the root directory if needed.
func NewLedgerStore(dir string, syncOnAppend bool, logger *slog.Logger) (*LedgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, unavailable("create ledger directory", err)
	}
	return &LedgerStore{
		dir:          dir,
		syncOnAppend: syncOnAppend,
		log:          logger.With("component", "trialstore", "backend", BackendLedger),
		studies:      make(map[string]*openLedger),
	}, nil
}

func (s *LedgerStore) studyDir(name string) string {
	return filepath.Join(s.dir, studyDirPrefix+url.PathEscape(name))
}

func (s *LedgerStore) existsLocked(name string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.studyDir(name), ledgerFileName))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, unavailable("stat study", err)
}

// openLocked returns the open ledger of an existing study, opening and
// counting it on first use.
func (s *LedgerStore) openLocked(name string) (*openLedger, error) {
	if ol, ok := s.studies[name]; ok {
		return ol, nil
	}
	ok, err := s.existsLocked(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound(name)
	}

	l, err := ledger.Open(filepath.Join(s.studyDir(name), ledgerFileName), s.syncOnAppend)
	if err != nil {
		return nil, unavailable("open ledger", err)
	}
	if n := l.Recovered(); n > 0 {
		s.log.Warn("dropped torn ledger tail", "study", name, "bytes", n)
	}
	ol := &openLedger{ledger: l}
	if err := l.Replay(func(e ledger.Event) error {
		if e.Type == ledger.EventTrial {
			ol.trials++
		}
		return nil
	}); err != nil {
		l.Close()
		return nil, unavailable("replay ledger", err)
	}
	s.studies[name] = ol
	return ol, nil
}

// CreateStudy creates the study directory and its ledger header.
func (s *LedgerStore) CreateStudy(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.existsLocked(name)
	if err != nil {
		return err
	}
	if ok {
		return alreadyExists(name)
	}
	if err := os.MkdirAll(s.studyDir(name), 0o755); err != nil {
		return unavailable("create study", err)
	}
	l, err := ledger.Open(filepath.Join(s.studyDir(name), ledgerFileName), true)
	if err != nil {
		return unavailable("create study", err)
	}
	if _, err := l.Append(ledger.Event{Type: ledger.EventStudyCreated}); err != nil {
		l.Close()
		os.RemoveAll(s.studyDir(name))
		return unavailable("create study", err)
	}
	s.studies[name] = &openLedger{ledger: l}
	s.log.Info("study created", "study", name)
	return nil
}

// HasStudy reports whether the study exists.
func (s *LedgerStore) HasStudy(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existsLocked(name)
}

// LoadStudy replays the study ledger.
func (s *LedgerStore) LoadStudy(_ context.Context, name string) (*types.Study, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ol, err := s.openLocked(name)
	if err != nil {
		return nil, err
	}
	study := &types.Study{Name: name, Trials: []types.Trial{}}
	if err := ol.ledger.Replay(func(e ledger.Event) error {
		switch e.Type {
		case ledger.EventStudyCreated:
			study.CreatedAt = e.Timestamp
		case ledger.EventTrial:
			study.Trials = append(study.Trials, *e.Trial)
		}
		return nil
	}); err != nil {
		return nil, unavailable("replay ledger", err)
	}
	return study, nil
}

// AppendTrial writes the trial with the next sequence number.
func (s *LedgerStore) AppendTrial(_ context.Context, trial types.Trial) (types.Trial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ol, err := s.openLocked(trial.StudyName)
	if err != nil {
		return types.Trial{}, err
	}
	trial.Number = ol.trials + 1
	if _, err := ol.ledger.Append(ledger.Event{Type: ledger.EventTrial, Trial: &trial}); err != nil {
		// 下次存取重新開啟並修復檔案尾端
		ol.ledger.Close()
		delete(s.studies, trial.StudyName)
		return types.Trial{}, unavailable("append trial", err)
	}
	ol.trials++
	return trial, nil
}

// ListStudies scans the root directory; failures degrade to an empty list.
func (s *LedgerStore) ListStudies(_ context.Context) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := []string{}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Warn("list studies failed", "error", err)
		return names
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), studyDirPrefix) {
			continue
		}
		name, err := url.PathUnescape(strings.TrimPrefix(entry.Name(), studyDirPrefix))
		if err != nil {
			continue
		}
		if ok, _ := s.existsLocked(name); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// DeleteStudy closes the ledger and removes the study directory.
func (s *LedgerStore) DeleteStudy(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.existsLocked(name)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(name)
	}
	if ol, open := s.studies[name]; open {
		ol.ledger.Close()
		delete(s.studies, name)
	}
	if err := os.RemoveAll(s.studyDir(name)); err != nil {
		return unavailable("delete study", err)
	}
	s.log.Info("study deleted", "study", name)
	return nil
}

// SaveSettings atomically replaces the settings file.
func (s *LedgerStore) SaveSettings(_ context.Context, settings types.ScenarioSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.existsLocked(settings.Name)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(settings.Name)
	}
	m := snapshot.NewManager(filepath.Join(s.studyDir(settings.Name), settingsFileName))
	if err := m.Write(settings); err != nil {
		return unavailable("save settings", err)
	}
	return nil
}

// LoadSettings reads the settings file.
func (s *LedgerStore) LoadSettings(_ context.Context, name string) (types.ScenarioSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.existsLocked(name)
	if err != nil {
		return types.ScenarioSettings{}, err
	}
	if !ok {
		return types.ScenarioSettings{}, notFound(name)
	}
	settings, err := snapshot.NewManager(filepath.Join(s.studyDir(name), settingsFileName)).Load()
	if errors.Is(err, snapshot.ErrSnapshotNotFound) {
		return settings, fmt.Errorf("%w: no settings recorded for %q", types.ErrNotFound, name)
	}
	if err != nil {
		return settings, unavailable("load settings", err)
	}
	return settings, nil
}

// Close closes every open ledger.
func (s *LedgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for name, ol := range s.studies {
		if err := ol.ledger.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.studies, name)
	}
	return errors.Join(errs...)
}
