package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BaSui01/workdeck/types"
)

// FileStore is the external file collaborator the built-in file tools operate
// on. Implementations must be safe for concurrent use.
type FileStore interface {
	Read(name string) (string, error)
	Write(name, content string) error
	List() ([]string, error)
}

// MemFileStore is an in-memory FileStore, used in tests and sandboxed runs.
type MemFileStore struct {
	mu    sync.RWMutex
	files map[string]string
}

// NewMemFileStore creates an empty in-memory file store.
func NewMemFileStore() *MemFileStore {
	return &MemFileStore{files: make(map[string]string)}
}

func (s *MemFileStore) Read(name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.files[name]
	if !ok {
		return "", fmt.Errorf("file not found: %s", name)
	}
	return content, nil
}

func (s *MemFileStore) Write(name, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = content
	return nil
}

func (s *MemFileStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.files))
	for name := range s.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DirFileStore is an OS-backed FileStore rooted at a directory. Paths that
// escape the root are rejected.
type DirFileStore struct {
	root string
}

// NewDirFileStore creates a FileStore over the given directory.
func NewDirFileStore(root string) *DirFileStore {
	return &DirFileStore{root: root}
}

func (s *DirFileStore) resolve(name string) (string, error) {
	cleaned := filepath.Clean("/" + name)
	full := filepath.Join(s.root, cleaned)
	if !strings.HasPrefix(full, filepath.Clean(s.root)+string(os.PathSeparator)) && full != filepath.Clean(s.root) {
		return "", fmt.Errorf("path escapes store root: %s", name)
	}
	return full, nil
}

func (s *DirFileStore) Read(name string) (string, error) {
	full, err := s.resolve(name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file not found: %s", name)
		}
		return "", err
	}
	return string(data), nil
}

func (s *DirFileStore) Write(name, content string) error {
	full, err := s.resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, []byte(content), 0o644)
}

func (s *DirFileStore) List() ([]string, error) {
	var names []string
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			return relErr
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

type readFileArgs struct {
	Path string `json:"path"`
}

type writeFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// RegisterFileTools registers read_file, write_file, and list_files over the
// given store.
func RegisterFileTools(reg *Registry, fs FileStore) error {
	readSchema := types.ToolSchema{
		Name:        "read_file",
		Description: "Read the contents of a file by path.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path to read"}},"required":["path"]}`),
		Enabled:     true,
		Category:    "files",
	}
	if err := reg.Register(readSchema, func(ctx context.Context, raw json.RawMessage) (string, error) {
		var args readFileArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", fmt.Errorf("read_file: invalid arguments: %w", err)
		}
		if args.Path == "" {
			return "", fmt.Errorf("read_file: path is required")
		}
		return fs.Read(args.Path)
	}); err != nil {
		return err
	}

	writeSchema := types.ToolSchema{
		Name:        "write_file",
		Description: "Write content to a file by path, creating or overwriting it.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path to write"},"content":{"type":"string","description":"Content to write"}},"required":["path","content"]}`),
		Enabled:     true,
		Category:    "files",
	}
	if err := reg.Register(writeSchema, func(ctx context.Context, raw json.RawMessage) (string, error) {
		var args writeFileArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", fmt.Errorf("write_file: invalid arguments: %w", err)
		}
		if args.Path == "" {
			return "", fmt.Errorf("write_file: path is required")
		}
		if err := fs.Write(args.Path, args.Content); err != nil {
			return "", err
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path), nil
	}); err != nil {
		return err
	}

	listSchema := types.ToolSchema{
		Name:        "list_files",
		Description: "List all files in the workspace file store.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		Enabled:     true,
		Category:    "files",
	}
	return reg.Register(listSchema, func(ctx context.Context, raw json.RawMessage) (string, error) {
		names, err := fs.List()
		if err != nil {
			return "", err
		}
		return strings.Join(names, "\n"), nil
	})
}
