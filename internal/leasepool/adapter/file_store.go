package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/felipealfah/leasepool/internal/domain"
	"github.com/felipealfah/leasepool/internal/leasepool/app"
	"github.com/felipealfah/leasepool/internal/observability"
)

var _ app.LeaseStore = (*FileStore)(nil)

// FileStore keeps the lease pool in a single JSON document. The whole
// document is rewritten on every mutation, through a temp file in the same
// directory and a rename, so a crash leaves either the old or the new pool.
// It is safe for concurrent use within one process only.
type FileStore struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	leases []domain.NumberLease
}

// OpenFileStore creates a FileStore for path and loads it.
func OpenFileStore(ctx context.Context, path string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	s := &FileStore{
		path:   path,
		logger: logger.With("component", "file_store", slog.String("path", path)),
	}
	if err := s.Load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Load replaces the in-memory pool with the file contents. A missing file is
// an empty pool. A corrupt file is logged and also treated as empty; the
// next save overwrites it.
func (s *FileStore) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.leases = nil
		return nil
	}
	if err != nil {
		return fmt.Errorf("read lease file: %w", err)
	}
	if len(data) == 0 {
		s.leases = nil
		return nil
	}

	var leases []domain.NumberLease
	if err := json.Unmarshal(data, &leases); err != nil {
		s.logger.WarnContext(ctx, "lease file is corrupt, starting with an empty pool",
			slog.String("error", err.Error()))
		s.leases = nil
		return nil
	}
	s.leases = leases
	s.logger.InfoContext(ctx, "lease pool loaded", slog.Int("leases", len(leases)))
	return nil
}

// Save rewrites the file from the in-memory pool.
func (s *FileStore) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist(ctx, s.leases)
}

// All returns a copy of every lease.
func (s *FileStore) All(_ context.Context) ([]domain.NumberLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.NumberLease, len(s.leases))
	for i, l := range s.leases {
		out[i] = l.Clone()
	}
	return out, nil
}

// Get returns the lease for phone or domain.ErrNotFound.
func (s *FileStore) Get(_ context.Context, phone string) (domain.NumberLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.index(phone); i >= 0 {
		return s.leases[i].Clone(), nil
	}
	return domain.NumberLease{}, fmt.Errorf("lease %s: %w", domain.MaskPhone(phone), domain.ErrNotFound)
}

// Upsert inserts or replaces the lease keyed by its phone number. A lease
// whose activation id belongs to another number is rejected with
// domain.ErrDuplicateActivation.
func (s *FileStore) Upsert(ctx context.Context, lease domain.NumberLease) error {
	if lease.PhoneNumber == "" {
		return fmt.Errorf("upsert lease: phone number is required: %w", domain.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if lease.ActivationID != "" {
		for _, l := range s.leases {
			if l.ActivationID == lease.ActivationID && l.PhoneNumber != lease.PhoneNumber {
				return fmt.Errorf("activation %s already leased: %w", lease.ActivationID, domain.ErrDuplicateActivation)
			}
		}
	}

	next := slices.Clone(s.leases)
	if i := s.index(lease.PhoneNumber); i >= 0 {
		next[i] = lease.Clone()
	} else {
		next = append(next, lease.Clone())
	}
	return s.commit(ctx, next)
}

// Remove deletes the lease for phone. It reports whether one existed.
func (s *FileStore) Remove(ctx context.Context, phone string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(phone)
	if i < 0 {
		return false, nil
	}
	next := slices.Delete(slices.Clone(s.leases), i, i+1)
	if err := s.commit(ctx, next); err != nil {
		return false, err
	}
	return true, nil
}

// Replace swaps the whole pool.
func (s *FileStore) Replace(ctx context.Context, leases []domain.NumberLease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]domain.NumberLease, len(leases))
	for i, l := range leases {
		next[i] = l.Clone()
	}
	return s.commit(ctx, next)
}

// commit persists next and adopts it only once it is on disk.
func (s *FileStore) commit(ctx context.Context, next []domain.NumberLease) error {
	if err := s.persist(ctx, next); err != nil {
		return err
	}
	s.leases = next
	return nil
}

func (s *FileStore) persist(ctx context.Context, leases []domain.NumberLease) (err error) {
	_, span := tracer.Start(ctx, "file_store.save")
	defer span.End()
	span.SetAttributes(attribute.Int("leases", len(leases)))
	defer func() {
		if err != nil {
			observability.FailSpan(span, err, "save lease file")
		}
	}()

	if leases == nil {
		leases = []domain.NumberLease{}
	}
	data, err := json.MarshalIndent(leases, "", "  ")
	if err != nil {
		return fmt.Errorf("encode leases: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create lease dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp lease file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp lease file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp lease file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp lease file: %w", err)
	}
	if err = os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace lease file: %w", err)
	}
	return nil
}

func (s *FileStore) index(phone string) int {
	return slices.IndexFunc(s.leases, func(l domain.NumberLease) bool {
		return l.PhoneNumber == phone
	})
}
