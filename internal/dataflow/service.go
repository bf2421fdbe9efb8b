// Package dataflow archives terminal executions to object storage.
package dataflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/appflow-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/appflow-go/pkg/types"
)

// Errors returned by backends.
var (
	ErrNotFound           = errors.New("archive object not found")
	ErrPresignUnsupported = errors.New("presigned URLs not supported by backend")
)

// ArtifactRef represents a reference to an object in storage.
type ArtifactRef struct {
	// URI is the full object path (e.g., "s3://bucket/executions/app/id.json")
	URI string `json:"uri"`

	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`

	// Checksum (SHA256)
	Checksum  string    `json:"checksum,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Backend defines the storage backend interface.
type Backend interface {
	// Put stores data at path
	Put(ctx context.Context, path string, data io.Reader, contentType string) (*ArtifactRef, error)

	// Get retrieves the object at path, or ErrNotFound
	Get(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes the object at path
	Delete(ctx context.Context, path string) error

	// List lists objects under a prefix
	List(ctx context.Context, prefix string) ([]*ArtifactRef, error)

	// PresignGet generates a download URL for path
	PresignGet(ctx context.Context, path string, expiry time.Duration) (string, error)

	// URI returns the reference URI of path without contacting storage
	URI(path string) string
}

// Config holds archive configuration.
type Config struct {
	// Backend type: "memory", "s3", "minio"
	Type string

	// S3/MinIO configuration
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool

	// Path prefix for all objects
	PathPrefix string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Type: "memory",
	}
}

// Service stores execution records in a Backend.
type Service struct {
	backend Backend
	logger  *slog.Logger
}

// New creates an archive service for cfg.Type.
func New(cfg *Config, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var backend Backend
	switch cfg.Type {
	case "memory", "":
		backend = NewMemoryBackend()
	case "s3", "minio":
		s3Backend, err := NewS3Backend(&S3Config{
			Endpoint:        cfg.Endpoint,
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			UseSSL:          cfg.UseSSL,
			PathPrefix:      cfg.PathPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("create s3 backend: %w", err)
		}
		backend = s3Backend
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
	return NewWithBackend(backend, logger), nil
}

// NewWithBackend creates a service on an existing backend.
func NewWithBackend(backend Backend, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{backend: backend, logger: logger}
}

// ExecutionPath returns the object path of an archived execution.
func ExecutionPath(appID, executionID string) string {
	return fmt.Sprintf("executions/%s/%s.json", appID, executionID)
}

// ArchiveExecution writes exec as JSON. Only terminal executions are
// archived.
func (s *Service) ArchiveExecution(ctx context.Context, exec *types.AgentAppExecution) (*ArtifactRef, error) {
	if !exec.Status.IsTerminal() {
		return nil, fmt.Errorf("execution %s is %s, not terminal", exec.ID, exec.Status)
	}

	data, err := json.MarshalIndent(exec, "", "  ")
	if err != nil {
		metrics.ArchiveWrites.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("marshal execution: %w", err)
	}

	ref, err := s.backend.Put(ctx, ExecutionPath(exec.AppID, exec.ID), bytes.NewReader(data), "application/json")
	if err != nil {
		metrics.ArchiveWrites.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("archive execution %s: %w", exec.ID, err)
	}
	metrics.ArchiveWrites.WithLabelValues("success").Inc()
	s.logger.Debug("archived execution", "execution_id", exec.ID, "app_id", exec.AppID, "uri", ref.URI)
	return ref, nil
}

// GetExecution reads an archived execution back.
func (s *Service) GetExecution(ctx context.Context, appID, executionID string) (*types.AgentAppExecution, error) {
	rc, err := s.backend.Get(ctx, ExecutionPath(appID, executionID))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var exec types.AgentAppExecution
	if err := json.NewDecoder(rc).Decode(&exec); err != nil {
		return nil, fmt.Errorf("decode archived execution: %w", err)
	}
	return &exec, nil
}

// ListExecutions lists archived executions of an app.
func (s *Service) ListExecutions(ctx context.Context, appID string) ([]*ArtifactRef, error) {
	return s.backend.List(ctx, fmt.Sprintf("executions/%s/", appID))
}

// DeleteExecution removes an archived execution.
func (s *Service) DeleteExecution(ctx context.Context, appID, executionID string) error {
	return s.backend.Delete(ctx, ExecutionPath(appID, executionID))
}

// DownloadURL returns a presigned URL for an archived execution, or the
// plain object URI when the backend cannot presign.
func (s *Service) DownloadURL(ctx context.Context, appID, executionID string, expiry time.Duration) (string, error) {
	path := ExecutionPath(appID, executionID)
	url, err := s.backend.PresignGet(ctx, path, expiry)
	if errors.Is(err, ErrPresignUnsupported) {
		return s.backend.URI(path), nil
	}
	return url, err
}

// MemoryBackend provides an in-memory storage backend for tests and
// single-process deployments.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string]*memoryObject
}

type memoryObject struct {
	ref  *ArtifactRef
	data []byte
}

// NewMemoryBackend creates a new in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		objects: make(map[string]*memoryObject),
	}
}

func (m *MemoryBackend) Put(ctx context.Context, path string, data io.Reader, contentType string) (*ArtifactRef, error) {
	content, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	ref := &ArtifactRef{
		URI:         m.URI(path),
		ContentType: contentType,
		Size:        int64(len(content)),
		Checksum:    checksum(content),
		CreatedAt:   time.Now().UTC(),
	}

	m.mu.Lock()
	m.objects[path] = &memoryObject{ref: ref, data: content}
	m.mu.Unlock()
	return ref, nil
}

func (m *MemoryBackend) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	m.mu.RLock()
	obj, ok := m.objects[path]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *MemoryBackend) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	delete(m.objects, path)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) List(ctx context.Context, prefix string) ([]*ArtifactRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var refs []*ArtifactRef
	for path, obj := range m.objects {
		if strings.HasPrefix(path, prefix) {
			ref := *obj.ref
			refs = append(refs, &ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].URI < refs[j].URI })
	return refs, nil
}

func (m *MemoryBackend) PresignGet(ctx context.Context, path string, expiry time.Duration) (string, error) {
	return "", ErrPresignUnsupported
}

func (m *MemoryBackend) URI(path string) string {
	return "memory://" + path
}
