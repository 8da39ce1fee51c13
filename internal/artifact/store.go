// Package artifact persists pipeline artifacts on a filesystem, one directory per
// job. Every (job, type, version) is written once and never overwritten.
//
// Layout:
//
//	<root>/<job_id>/<type>/<version>.json       payload
//	<root>/<job_id>/<type>/<version>.meta.json  domain.ArtifactRef sidecar
package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/afero"

	"draftline/internal/domain"
	"draftline/internal/logging"
)

const (
	DefaultMaxSize   int64 = 100 * 1024 * 1024
	DefaultAttempts        = 3
	DefaultBaseDelay       = 500 * time.Millisecond
	defaultCacheSize       = 256

	ContentTypeJSON = "application/json"
	ContentTypeText = "text/plain; charset=utf-8"

	metaSuffix = ".meta.json"
	dataSuffix = ".json"
)

// SizeError reports an artifact above the configured limit.
type SizeError struct {
	Type  domain.ArtifactType
	Size  int64
	Limit int64
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("artifact %s is %d bytes, exceeds limit of %d bytes", e.Type, e.Size, e.Limit)
}

func (e *SizeError) Unwrap() error { return domain.ErrInvalidInput }

type Options struct {
	Root         string
	MaxSize      int64
	Attempts     int
	BaseDelay    time.Duration
	CacheEntries int
	Now          func() time.Time
	Logger       *slog.Logger
}

type cached struct {
	data []byte
	ref  domain.ArtifactRef
}

type Store struct {
	fs    afero.Fs
	root  string
	max   int64
	retry Retry
	cache *lru.Cache[string, cached]
	now   func() time.Time
	log   *slog.Logger

	// mu serializes version assignment and the exists check before rename.
	mu sync.Mutex
}

func New(fs afero.Fs, opts Options) (*Store, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if opts.Root == "" {
		opts.Root = ".draftline/artifacts"
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.CacheEntries <= 0 {
		opts.CacheEntries = defaultCacheSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cache, err := lru.New[string, cached](opts.CacheEntries)
	if err != nil {
		return nil, err
	}
	if err := fs.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create root: %v", domain.ErrArtifactStore, err)
	}
	return &Store{
		fs:    fs,
		root:  opts.Root,
		max:   opts.MaxSize,
		retry: Retry{Attempts: opts.Attempts, BaseDelay: opts.BaseDelay},
		cache: cache,
		now:   opts.Now,
		log:   logging.OrDefault(opts.Logger),
	}, nil
}

func (s *Store) typeDir(jobID string, typ domain.ArtifactType) string {
	return path.Join(s.root, jobID, string(typ))
}

func (s *Store) dataPath(jobID string, typ domain.ArtifactType, version int) string {
	return path.Join(s.typeDir(jobID, typ), strconv.Itoa(version)+dataSuffix)
}

func (s *Store) metaPath(jobID string, typ domain.ArtifactType, version int) string {
	return path.Join(s.typeDir(jobID, typ), strconv.Itoa(version)+metaSuffix)
}

func cacheKey(jobID string, typ domain.ArtifactType, version int) string {
	return jobID + "/" + string(typ) + "/" + strconv.Itoa(version)
}

func validateKey(jobID string, typ domain.ArtifactType) error {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return domain.Invalid("job_id", "invalid job id %q", jobID)
	}
	if !typ.Valid() {
		return domain.Invalid("type", "unknown artifact type %q", typ)
	}
	return nil
}

// Put stores data as (jobID, typ, version). A version of 0 appends the next free
// version for the type. Writes are retried with backoff; ErrArtifactExists and
// size errors are returned immediately.
func (s *Store) Put(ctx context.Context, jobID string, typ domain.ArtifactType, version int, data []byte, contentType string, meta map[string]string) (domain.ArtifactRef, error) {
	if err := validateKey(jobID, typ); err != nil {
		return domain.ArtifactRef{}, err
	}
	if version < 0 {
		return domain.ArtifactRef{}, domain.Invalid("version", "must not be negative")
	}
	if int64(len(data)) > s.max {
		return domain.ArtifactRef{}, &SizeError{Type: typ, Size: int64(len(data)), Limit: s.max}
	}
	if contentType == "" {
		contentType = ContentTypeJSON
	}
	var ref domain.ArtifactRef
	err := s.retry.Do(ctx, func() error {
		var err error
		ref, err = s.write(jobID, typ, version, data, contentType, meta)
		return err
	}, func(attempt int, err error) {
		s.log.Warn("artifact write failed, retrying", "job_id", jobID, "type", typ, "attempt", attempt, "error", err)
	})
	if err != nil {
		if errors.Is(err, domain.ErrArtifactExists) || errors.Is(err, domain.ErrInvalidInput) {
			return domain.ArtifactRef{}, err
		}
		return domain.ArtifactRef{}, fmt.Errorf("%w: store %s for job %s: %v", domain.ErrArtifactStore, typ, jobID, err)
	}
	s.cache.Add(cacheKey(jobID, typ, ref.Version), cached{data: append([]byte(nil), data...), ref: ref})
	return ref, nil
}

// PutJSON marshals v with indentation and stores it.
func (s *Store) PutJSON(ctx context.Context, jobID string, typ domain.ArtifactType, version int, v any, meta map[string]string) (domain.ArtifactRef, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("marshal %s: %w", typ, err)
	}
	return s.Put(ctx, jobID, typ, version, data, ContentTypeJSON, meta)
}

func (s *Store) write(jobID string, typ domain.ArtifactType, version int, data []byte, contentType string, meta map[string]string) (domain.ArtifactRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.typeDir(jobID, typ)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return domain.ArtifactRef{}, err
	}
	if version == 0 {
		versions, err := s.versions(jobID, typ)
		if err != nil {
			return domain.ArtifactRef{}, err
		}
		version = 1
		if len(versions) > 0 {
			version = versions[len(versions)-1] + 1
		}
	}
	target := s.dataPath(jobID, typ, version)
	exists, err := afero.Exists(s.fs, target)
	if err != nil {
		return domain.ArtifactRef{}, err
	}
	if exists {
		return domain.ArtifactRef{}, fmt.Errorf("%w: %s v%d for job %s", domain.ErrArtifactExists, typ, version, jobID)
	}
	sum := sha256.Sum256(data)
	ref := domain.ArtifactRef{
		JobID:       jobID,
		Type:        typ,
		Version:     version,
		Size:        int64(len(data)),
		SHA256:      hex.EncodeToString(sum[:]),
		ContentType: contentType,
		Metadata:    meta,
		CreatedAt:   s.now().UTC().Format(time.RFC3339),
	}
	metaData, err := json.MarshalIndent(ref, "", "  ")
	if err != nil {
		return domain.ArtifactRef{}, err
	}
	// The sidecar lands first so a visible payload always has metadata.
	if err := s.atomicWrite(s.metaPath(jobID, typ, version), metaData); err != nil {
		return domain.ArtifactRef{}, err
	}
	if err := s.atomicWrite(target, data); err != nil {
		_ = s.fs.Remove(s.metaPath(jobID, typ, version))
		return domain.ArtifactRef{}, err
	}
	return ref, nil
}

func (s *Store) atomicWrite(target string, data []byte) error {
	tmp := path.Join(path.Dir(target), "."+path.Base(target)+".tmp-"+uuid.NewString())
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		_ = s.fs.Remove(tmp)
		return err
	}
	if err := s.fs.Rename(tmp, target); err != nil {
		_ = s.fs.Remove(tmp)
		return err
	}
	return nil
}

// Versions lists the stored versions of typ in ascending order.
func (s *Store) Versions(jobID string, typ domain.ArtifactType) ([]int, error) {
	if err := validateKey(jobID, typ); err != nil {
		return nil, err
	}
	return s.versions(jobID, typ)
}

func (s *Store) versions(jobID string, typ domain.ArtifactType) ([]int, error) {
	entries, err := afero.ReadDir(s.fs, s.typeDir(jobID, typ))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, metaSuffix) || !strings.HasSuffix(name, dataSuffix) {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSuffix(name, dataSuffix))
		if err != nil || v < 1 {
			continue
		}
		out = append(out, v)
	}
	sort.Ints(out)
	return out, nil
}

// Get returns the payload and metadata of one artifact. Version 0 selects the
// latest version. The payload checksum is verified against the sidecar.
func (s *Store) Get(ctx context.Context, jobID string, typ domain.ArtifactType, version int) ([]byte, domain.ArtifactRef, error) {
	if err := validateKey(jobID, typ); err != nil {
		return nil, domain.ArtifactRef{}, err
	}
	if version == 0 {
		versions, err := s.versions(jobID, typ)
		if err != nil {
			return nil, domain.ArtifactRef{}, fmt.Errorf("%w: %v", domain.ErrArtifactStore, err)
		}
		if len(versions) == 0 {
			return nil, domain.ArtifactRef{}, fmt.Errorf("artifact %s for job %s: %w", typ, jobID, domain.ErrNotFound)
		}
		version = versions[len(versions)-1]
	}
	key := cacheKey(jobID, typ, version)
	if c, ok := s.cache.Get(key); ok {
		return append([]byte(nil), c.data...), c.ref, nil
	}
	ref, err := s.readMeta(jobID, typ, version)
	if err != nil {
		return nil, domain.ArtifactRef{}, err
	}
	data, err := afero.ReadFile(s.fs, s.dataPath(jobID, typ, version))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ArtifactRef{}, fmt.Errorf("artifact %s v%d for job %s: %w", typ, version, jobID, domain.ErrNotFound)
		}
		return nil, domain.ArtifactRef{}, fmt.Errorf("%w: %v", domain.ErrArtifactStore, err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != ref.SHA256 {
		return nil, domain.ArtifactRef{}, fmt.Errorf("%w: checksum mismatch for %s v%d of job %s", domain.ErrArtifactStore, typ, version, jobID)
	}
	s.cache.Add(key, cached{data: data, ref: ref})
	return append([]byte(nil), data...), ref, nil
}

// GetJSON decodes an artifact into v.
func (s *Store) GetJSON(ctx context.Context, jobID string, typ domain.ArtifactType, version int, v any) (domain.ArtifactRef, error) {
	data, ref, err := s.Get(ctx, jobID, typ, version)
	if err != nil {
		return domain.ArtifactRef{}, err
	}
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("%w: decode %s v%d: %v", domain.ErrArtifactStore, typ, ref.Version, err)
	}
	return ref, nil
}

func (s *Store) readMeta(jobID string, typ domain.ArtifactType, version int) (domain.ArtifactRef, error) {
	data, err := afero.ReadFile(s.fs, s.metaPath(jobID, typ, version))
	if err != nil {
		if os.IsNotExist(err) {
			return domain.ArtifactRef{}, fmt.Errorf("artifact %s v%d for job %s: %w", typ, version, jobID, domain.ErrNotFound)
		}
		return domain.ArtifactRef{}, fmt.Errorf("%w: %v", domain.ErrArtifactStore, err)
	}
	var ref domain.ArtifactRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("%w: decode metadata: %v", domain.ErrArtifactStore, err)
	}
	return ref, nil
}

// List returns every artifact of the job, optionally filtered by type, ordered by
// type then version.
func (s *Store) List(ctx context.Context, jobID string, typ domain.ArtifactType) ([]domain.ArtifactRef, error) {
	types := domain.ArtifactTypes
	if typ != "" {
		types = []domain.ArtifactType{typ}
	}
	var out []domain.ArtifactRef
	for _, t := range types {
		if err := validateKey(jobID, t); err != nil {
			return nil, err
		}
		versions, err := s.versions(jobID, t)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrArtifactStore, err)
		}
		for _, v := range versions {
			ref, err := s.readMeta(jobID, t, v)
			if err != nil {
				return nil, err
			}
			out = append(out, ref)
		}
	}
	return out, nil
}

// Has reports whether at least one artifact of typ exists for the job.
func (s *Store) Has(jobID string, typ domain.ArtifactType) (bool, error) {
	versions, err := s.Versions(jobID, typ)
	return len(versions) > 0, err
}

// DeleteJob removes every artifact of a job.
func (s *Store) DeleteJob(jobID string) error {
	if err := validateKey(jobID, domain.ArtifactInputSpec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.cache.Keys() {
		if strings.HasPrefix(k, jobID+"/") {
			s.cache.Remove(k)
		}
	}
	return s.fs.RemoveAll(path.Join(s.root, jobID))
}

// Jobs lists job IDs that have an artifact directory.
func (s *Store) Jobs() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// PurgeOlderThan deletes job directories whose newest file is older than cutoff.
// keep is consulted first so active jobs are never purged.
func (s *Store) PurgeOlderThan(cutoff time.Time, keep func(jobID string) bool) ([]string, error) {
	jobs, err := s.Jobs()
	if err != nil {
		return nil, err
	}
	var purged []string
	for _, jobID := range jobs {
		if keep != nil && keep(jobID) {
			continue
		}
		newest, err := s.newestModTime(path.Join(s.root, jobID))
		if err != nil {
			s.log.Warn("artifact retention scan failed", "job_id", jobID, "error", err)
			continue
		}
		if newest.After(cutoff) {
			continue
		}
		if err := s.DeleteJob(jobID); err != nil {
			return purged, err
		}
		purged = append(purged, jobID)
	}
	return purged, nil
}

func (s *Store) newestModTime(dir string) (time.Time, error) {
	var newest time.Time
	err := afero.Walk(s.fs, dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	return newest, err
}
