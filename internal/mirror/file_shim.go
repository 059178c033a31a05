package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bcnelson/waf-blocklist-manager/internal/domain"
	"github.com/bcnelson/waf-blocklist-manager/internal/validation"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// FileShim is a local implementation that keeps each artifact as a JSON file.
// The token is the sha256 of the file contents, so an external edit to the file
// also invalidates outstanding tokens.
type FileShim struct {
	dir    string
	scopes map[domain.Scope]bool
	mu     sync.Mutex
}

// Ensure FileShim implements Client.
var _ Client = (*FileShim)(nil)

type fileArtifact struct {
	Name        string   `json:"name"`
	ID          string   `json:"id"`
	Scope       string   `json:"scope"`
	Description string   `json:"description,omitempty"`
	Addresses   []string `json:"addresses"`
}

// NewFileShim creates a shim rooted at dir. With no scopes given both scopes
// are supported.
func NewFileShim(dir string, scopes ...domain.Scope) *FileShim {
	if len(scopes) == 0 {
		scopes = []domain.Scope{domain.ScopeGlobal, domain.ScopeRegional}
	}
	supported := make(map[domain.Scope]bool, len(scopes))
	for _, s := range scopes {
		supported[s] = true
	}
	return &FileShim{dir: dir, scopes: supported}
}

func (f *FileShim) path(name string, scope domain.Scope) string {
	return filepath.Join(f.dir, fmt.Sprintf("%s-%s.json", scope, name))
}

// Create writes a new artifact. Creating an existing name returns the
// existing artifact so a repeated bootstrap converges on the same file.
func (f *FileShim) Create(ctx context.Context, name string, scope domain.Scope, description string) (domain.MirrorRef, string, error) {
	if !f.scopes[scope] {
		return domain.MirrorRef{}, "", fmt.Errorf("file shim scope %s: %w", scope, domain.ErrUnsupportedScope)
	}
	if err := validation.ValidateMirrorName(name); err != nil {
		return domain.MirrorRef{}, "", fmt.Errorf("%v: %w", err, domain.ErrInvalidInput)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, data, err := f.read(name, scope); err == nil {
		return domain.MirrorRef{Name: existing.Name, ID: existing.ID, Scope: scope}, hashOf(data), nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.MirrorRef{}, "", err
	}

	if err := os.MkdirAll(f.dir, 0755); err != nil {
		return domain.MirrorRef{}, "", fmt.Errorf("creating mirror directory: %w", err)
	}
	artifact := &fileArtifact{
		Name:        name,
		ID:          uuid.New().String(),
		Scope:       string(scope),
		Description: description,
		Addresses:   []string{seedAddress},
	}
	data, err := f.write(artifact)
	if err != nil {
		return domain.MirrorRef{}, "", err
	}

	log.Info("Mirror artifact created", "driver", "file", "name", name, "scope", scope)
	return domain.MirrorRef{Name: name, ID: artifact.ID, Scope: scope}, hashOf(data), nil
}

// Get reads the artifact's members.
func (f *FileShim) Get(ctx context.Context, ref domain.MirrorRef) ([]string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	artifact, data, err := f.readRef(ref)
	if err != nil {
		return nil, "", err
	}
	return artifact.Addresses, hashOf(data), nil
}

// Replace writes the members if token still matches the file contents.
func (f *FileShim) Replace(ctx context.Context, ref domain.MirrorRef, token string, members []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	artifact, data, err := f.readRef(ref)
	if err != nil {
		return "", err
	}
	if current := hashOf(data); token != current {
		return "", fmt.Errorf("token mismatch on %s: %w", ref, domain.ErrConflict)
	}

	artifact.Addresses = append([]string(nil), members...)
	sort.Strings(artifact.Addresses)
	data, err = f.write(artifact)
	if err != nil {
		return "", err
	}
	next := hashOf(data)
	log.Debug("Mirror artifact replaced", "driver", "file", "name", ref.Name, "members", len(members), "token", next[:12])
	return next, nil
}

func (f *FileShim) readRef(ref domain.MirrorRef) (*fileArtifact, []byte, error) {
	artifact, data, err := f.read(ref.Name, ref.Scope)
	if err != nil {
		return nil, nil, err
	}
	if artifact.ID != ref.ID {
		return nil, nil, fmt.Errorf("mirror %s has id %s: %w", ref, artifact.ID, domain.ErrNotFound)
	}
	return artifact, data, nil
}

func (f *FileShim) read(name string, scope domain.Scope) (*fileArtifact, []byte, error) {
	data, err := os.ReadFile(f.path(name, scope))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, domain.ErrNotFound
		}
		return nil, nil, fmt.Errorf("reading mirror file: %w", err)
	}
	var artifact fileArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, nil, fmt.Errorf("parsing mirror file: %w", err)
	}
	return &artifact, data, nil
}

func (f *FileShim) write(artifact *fileArtifact) ([]byte, error) {
	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling mirror: %w", err)
	}
	path := f.path(artifact.Name, domain.Scope(artifact.Scope))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return nil, fmt.Errorf("writing mirror file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("writing mirror file: %w", err)
	}
	return data, nil
}

// hashOf derives the concurrency token from file contents.
func hashOf(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
