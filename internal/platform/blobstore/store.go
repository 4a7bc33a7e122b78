// Package blobstore keeps the documents attached to referrals: face sheets,
// medication lists, wound photos and the like. Uploads return a URL that is
// written into the referral's attachment slots.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound           = errors.New("file not found")
	ErrTooLarge           = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrInvalidSlot        = errors.New("unknown attachment slot")
	ErrMissingFileName    = errors.New("file name is required")
)

// DefaultMaxSize applies when the store is built with a zero limit.
const DefaultMaxSize = 25 << 20

// Slots an upload can be destined for. They mirror the referral attachment
// fields plus insurance card images.
var Slots = map[string]bool{
	"face_sheet":        true,
	"medication_list":   true,
	"discharge_summary": true,
	"signed_order":      true,
	"history_physical":  true,
	"progress_notes":    true,
	"wound_photo":       true,
	"other":             true,
	"insurance_card":    true,
}

var ContentTypes = map[string]bool{
	"application/pdf": true,
	"image/png":       true,
	"image/jpeg":      true,
	"image/heic":      true,
	"image/tiff":      true,
	"text/plain":      true,
}

// File describes a stored upload.
type File struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	UploadedBy     uuid.UUID `json:"uploaded_by"`
	Name           string    `json:"name"`
	Slot           string    `json:"slot"`
	ContentType    string    `json:"content_type"`
	Size           int64     `json:"size"`
	SHA256         string    `json:"sha256"`
	CreatedAt      time.Time `json:"created_at"`
	// Referrals that reference the file. Their parties may read it.
	ReferralIDs []uuid.UUID `json:"referral_ids,omitempty"`
}

// attach adds referralID once.
func (f *File) attach(referralID uuid.UUID) bool {
	for _, id := range f.ReferralIDs {
		if id == referralID {
			return false
		}
	}
	f.ReferralIDs = append(f.ReferralIDs, referralID)
	return true
}

type Store interface {
	Put(ctx context.Context, f File, content io.Reader) (*File, error)
	Open(ctx context.Context, id uuid.UUID) (io.ReadCloser, *File, error)
	Stat(ctx context.Context, id uuid.UUID) (*File, error)
	// Attach records that a referral references the file.
	Attach(ctx context.Context, id, referralID uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// prepare validates f, reads at most max bytes of content and fills the
// derived fields.
func prepare(f File, content io.Reader, max int64, now time.Time) (File, []byte, error) {
	if f.Name == "" {
		return f, nil, ErrMissingFileName
	}
	if !Slots[f.Slot] {
		return f, nil, ErrInvalidSlot
	}
	if !ContentTypes[f.ContentType] {
		return f, nil, ErrInvalidContentType
	}
	data, err := io.ReadAll(io.LimitReader(content, max+1))
	if err != nil {
		return f, nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > max {
		return f, nil, ErrTooLarge
	}
	sum := sha256.Sum256(data)
	f.ID = uuid.New()
	f.Size = int64(len(data))
	f.SHA256 = hex.EncodeToString(sum[:])
	f.CreatedAt = now
	return f, data, nil
}

func limitOrDefault(max int64) int64 {
	if max <= 0 {
		return DefaultMaxSize
	}
	return max
}

type memFile struct {
	meta File
	data []byte
}

// MemoryStore keeps files in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	max   int64
	files map[uuid.UUID]*memFile
}

func NewMemoryStore(maxSize int64) *MemoryStore {
	return &MemoryStore{max: limitOrDefault(maxSize), files: make(map[uuid.UUID]*memFile)}
}

func (s *MemoryStore) Put(_ context.Context, f File, content io.Reader) (*File, error) {
	meta, data, err := prepare(f, content, s.max, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.files[meta.ID] = &memFile{meta: meta, data: data}
	s.mu.Unlock()
	return &meta, nil
}

func (s *MemoryStore) Open(_ context.Context, id uuid.UUID) (io.ReadCloser, *File, error) {
	s.mu.RLock()
	mf, ok := s.files[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrNotFound
	}
	meta := mf.meta
	meta.ReferralIDs = append([]uuid.UUID(nil), mf.meta.ReferralIDs...)
	return io.NopCloser(bytes.NewReader(mf.data)), &meta, nil
}

func (s *MemoryStore) Stat(_ context.Context, id uuid.UUID) (*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mf, ok := s.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	meta := mf.meta
	meta.ReferralIDs = append([]uuid.UUID(nil), mf.meta.ReferralIDs...)
	return &meta, nil
}

func (s *MemoryStore) Attach(_ context.Context, id, referralID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mf, ok := s.files[id]
	if !ok {
		return ErrNotFound
	}
	mf.meta.attach(referralID)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[id]; !ok {
		return ErrNotFound
	}
	delete(s.files, id)
	return nil
}

// DirStore writes each file as <id> with a <id>.json sidecar under dir.
type DirStore struct {
	dir string
	max int64
	// Serializes sidecar rewrites.
	mu sync.Mutex
}

func NewDirStore(dir string, maxSize int64) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &DirStore{dir: dir, max: limitOrDefault(maxSize)}, nil
}

func (s *DirStore) dataPath(id uuid.UUID) string { return filepath.Join(s.dir, id.String()) }
func (s *DirStore) metaPath(id uuid.UUID) string { return filepath.Join(s.dir, id.String()+".json") }

func (s *DirStore) Put(_ context.Context, f File, content io.Reader) (*File, error) {
	meta, data, err := prepare(f, content, s.max, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(s.dataPath(meta.ID), data, 0o640); err != nil {
		return nil, fmt.Errorf("write upload: %w", err)
	}
	if err := os.WriteFile(s.metaPath(meta.ID), b, 0o640); err != nil {
		os.Remove(s.dataPath(meta.ID))
		return nil, fmt.Errorf("write upload metadata: %w", err)
	}
	return &meta, nil
}

func (s *DirStore) Stat(_ context.Context, id uuid.UUID) (*File, error) {
	b, err := os.ReadFile(s.metaPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read upload metadata: %w", err)
	}
	var meta File
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, fmt.Errorf("decode upload metadata: %w", err)
	}
	return &meta, nil
}

func (s *DirStore) Open(ctx context.Context, id uuid.UUID) (io.ReadCloser, *File, error) {
	meta, err := s.Stat(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	fh, err := os.Open(s.dataPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open upload: %w", err)
	}
	return fh, meta, nil
}

func (s *DirStore) Attach(ctx context.Context, id, referralID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, err := s.Stat(ctx, id)
	if err != nil {
		return err
	}
	if !meta.attach(referralID) {
		return nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.metaPath(id), b, 0o640); err != nil {
		return fmt.Errorf("write upload metadata: %w", err)
	}
	return nil
}

func (s *DirStore) Delete(_ context.Context, id uuid.UUID) error {
	err := os.Remove(s.metaPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete upload metadata: %w", err)
	}
	if err := os.Remove(s.dataPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete upload: %w", err)
	}
	return nil
}
