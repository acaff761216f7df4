package nostr

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"fiatjaf.com/nostr"
	"go.uber.org/zap"

	"github.com/chebizarro/nostrdm/internal/log"
)

// Spool is a local store of signed background events that could not be
// published. Events are appended as JSON lines and retried by Drain.
//
// File format: one JSON object per line at <data_dir>/nostr-spool.jsonl.
// Entries older than SpoolMaxAge move to nostr-spool-archive.jsonl.
type Spool struct {
	mu          sync.Mutex
	path        string
	archivePath string
	softLimit   int
	hardLimit   int
	logger      *zap.Logger
}

// SpoolEntry is a single spooled event with retry metadata.
type SpoolEntry struct {
	ID        string     `json:"id"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      nostr.Tags `json:"tags"`
	Content   string     `json:"content"`
	PubKey    string     `json:"pubkey"`
	Sig       string     `json:"sig"`

	SpoolMeta SpoolMeta `json:"spool_meta"`
}

// SpoolMeta contains retry tracking information.
type SpoolMeta struct {
	SpooledAt    time.Time  `json:"spooled_at"`
	TargetRelays []string   `json:"target_relays"`
	Attempts     int        `json:"attempts"`
	LastAttempt  *time.Time `json:"last_attempt,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// Default spool limits.
const (
	DefaultSpoolSoftLimit = 1000
	DefaultSpoolHardLimit = 10000
	SpoolFileName         = "nostr-spool.jsonl"
	SpoolArchiveFileName  = "nostr-spool-archive.jsonl"
	SpoolMaxAge           = 24 * time.Hour
)

// NewSpool creates a spool in dataDir.
func NewSpool(dataDir string) *Spool {
	return &Spool{
		path:        filepath.Join(dataDir, SpoolFileName),
		archivePath: filepath.Join(dataDir, SpoolArchiveFileName),
		softLimit:   DefaultSpoolSoftLimit,
		hardLimit:   DefaultSpoolHardLimit,
		logger:      log.Named("spool"),
	}
}

// Enqueue adds a signed event to the spool.
// Returns an error if the hard limit is exceeded.
func (s *Spool) Enqueue(event *nostr.Event, targetRelays []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := s.countLocked()
	if count >= s.hardLimit {
		return fmt.Errorf("spool hard limit exceeded (%d events)", count)
	}
	if count >= s.softLimit {
		s.logger.Warn("spool soft limit reached", zap.Int("events", count))
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("creating spool directory: %w", err)
	}

	entry := entryFromEvent(event, targetRelays)

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening spool file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling spool entry: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing spool entry: %w", err)
	}
	return nil
}

// Drain attempts to send all spooled events to relays.
// Sent events are removed; failed events stay with updated attempt counts.
// Entries that failed recently are skipped according to backoffDuration.
func (s *Spool) Drain(ctx context.Context, pool Broadcaster) (sent int, failed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readAllLocked()
	if err != nil {
		return 0, 0, err
	}
	if len(entries) == 0 {
		return 0, 0, nil
	}

	now := time.Now()
	var remaining []SpoolEntry

	for _, entry := range entries {
		if entry.SpoolMeta.LastAttempt != nil {
			if now.Sub(*entry.SpoolMeta.LastAttempt) < backoffDuration(entry.SpoolMeta.Attempts) {
				remaining = append(remaining, entry)
				continue
			}
		}

		if pubErr := pool.Publish(ctx, entry.event()); pubErr != nil {
			entry.SpoolMeta.Attempts++
			attemptAt := now
			entry.SpoolMeta.LastAttempt = &attemptAt
			entry.SpoolMeta.LastError = pubErr.Error()
			remaining = append(remaining, entry)
			failed++
			continue
		}
		sent++
	}

	if err := s.writeAllLocked(remaining); err != nil {
		return sent, failed, fmt.Errorf("rewriting spool: %w", err)
	}
	return sent, failed, nil
}

// Count returns the number of events in the spool.
func (s *Spool) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked()
}

// ArchiveOld moves events older than maxAge to the archive file.
func (s *Spool) ArchiveOld(maxAge time.Duration) (archived int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readAllLocked()
	if err != nil {
		return 0, err
	}

	now := time.Now()
	var active, old []SpoolEntry
	for _, entry := range entries {
		if now.Sub(entry.SpoolMeta.SpooledAt) > maxAge {
			old = append(old, entry)
		} else {
			active = append(active, entry)
		}
	}
	if len(old) == 0 {
		return 0, nil
	}

	archiveFile, err := os.OpenFile(s.archivePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return 0, fmt.Errorf("opening archive file: %w", err)
	}
	defer archiveFile.Close()

	w := bufio.NewWriter(archiveFile)
	for _, entry := range old {
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		w.Write(append(data, '\n'))
	}
	if err := w.Flush(); err != nil {
		return 0, fmt.Errorf("writing archive: %w", err)
	}

	if err := s.writeAllLocked(active); err != nil {
		return 0, fmt.Errorf("rewriting spool: %w", err)
	}
	return len(old), nil
}

// --- Internal helpers ---

func entryFromEvent(event *nostr.Event, targetRelays []string) SpoolEntry {
	return SpoolEntry{
		ID:        IDToString(event.ID),
		CreatedAt: int64(event.CreatedAt),
		Kind:      int(event.Kind),
		Tags:      event.Tags,
		Content:   event.Content,
		PubKey:    PubKeyToString(event.PubKey),
		Sig:       SigToString(event.Sig),
		SpoolMeta: SpoolMeta{
			SpooledAt:    time.Now(),
			TargetRelays: targetRelays,
		},
	}
}

func (e SpoolEntry) event() nostr.Event {
	return nostr.Event{
		ID:        IDFromHex(e.ID),
		CreatedAt: nostr.Timestamp(e.CreatedAt),
		Kind:      nostr.Kind(e.Kind),
		Tags:      e.Tags,
		Content:   e.Content,
		PubKey:    PubKeyFromHex(e.PubKey),
		Sig:       SigFromHex(e.Sig),
	}
}

func (s *Spool) countLocked() int {
	f, err := os.Open(s.path)
	if err != nil {
		return 0
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			count++
		}
	}
	return count
}

func (s *Spool) readAllLocked() ([]SpoolEntry, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening spool: %w", err)
	}
	defer f.Close()

	var entries []SpoolEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry SpoolEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			s.logger.Warn("skipping malformed spool entry", zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

func (s *Spool) writeAllLocked(entries []SpoolEntry) error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		w.Write(append(data, '\n'))
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// backoffDuration returns the wait before retrying an entry.
// Exponential: 30s, 60s, 120s, capped at 5 minutes.
func backoffDuration(attempts int) time.Duration {
	switch {
	case attempts <= 0:
		return 0
	case attempts == 1:
		return 30 * time.Second
	case attempts == 2:
		return 60 * time.Second
	case attempts == 3:
		return 120 * time.Second
	default:
		return 300 * time.Second
	}
}
