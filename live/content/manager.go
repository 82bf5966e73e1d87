package content

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	ErrTestNotFound = errors.New("test not found")
	ErrInvalidTest  = errors.New("invalid test")
)

// Extensions are tried in this order when a test is looked up by id.
var extensions = []string{".json", ".yaml", ".yml"}

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// Manager loads question sets from a directory and caches them by id.
type Manager struct {
	dir   string
	tests map[string]*Test
	mu    sync.RWMutex
}

// NewManager creates a manager reading tests from dir.
func NewManager(dir string) (*Manager, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("content directory does not exist: %s", dir)
		}
		return nil, fmt.Errorf("failed to stat content directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("content path is not a directory: %s", dir)
	}

	return &Manager{
		dir:   dir,
		tests: make(map[string]*Test),
	}, nil
}

// LoadTest loads a test by id, from cache when possible.
func (m *Manager) LoadTest(id string) (*Test, error) {
	id = strings.TrimSpace(id)
	if !validID.MatchString(id) {
		return nil, fmt.Errorf("%w: %q", ErrTestNotFound, id)
	}

	m.mu.RLock()
	if t, ok := m.tests[id]; ok {
		m.mu.RUnlock()
		return t, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tests[id]; ok {
		return t, nil
	}

	for _, ext := range extensions {
		path := filepath.Join(m.dir, id+ext)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read test file: %w", err)
		}

		t, err := Parse(path, data)
		if err != nil {
			return nil, err
		}
		t.ID = id
		m.tests[id] = t
		return t, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrTestNotFound, id)
}

// ListTests describes every valid test in the directory, sorted by id.
func (m *Manager) ListTests() ([]*TestInfo, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read content directory: %w", err)
	}

	seen := make(map[string]bool)
	var infos []*TestInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if !isTestExt(ext) {
			continue
		}

		id := strings.TrimSuffix(entry.Name(), ext)
		if seen[id] {
			continue
		}

		t, err := m.LoadTest(id)
		if err != nil {
			// Invalid files are reported by the validate command.
			continue
		}
		seen[id] = true

		infos = append(infos, &TestInfo{
			ID:            id,
			Filename:      entry.Name(),
			Title:         t.Title,
			Description:   t.Description,
			QuestionCount: len(t.Questions),
			MaxScore:      MaxScore(t.Questions),
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

// SaveTest validates a test and writes it as JSON.
func (m *Manager) SaveTest(id string, t *Test) error {
	if !validID.MatchString(id) {
		return fmt.Errorf("%w: invalid id %q", ErrInvalidTest, id)
	}
	if err := ValidateTest(t); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTest, err)
	}

	saved := *t
	saved.ID = id
	data, err := json.MarshalIndent(&saved, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal test: %w", err)
	}

	if err := os.WriteFile(filepath.Join(m.dir, id+".json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write test file: %w", err)
	}

	m.mu.Lock()
	m.tests[id] = &saved
	m.mu.Unlock()

	return nil
}

// RefreshCache drops every cached test.
func (m *Manager) RefreshCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tests = make(map[string]*Test)
}

// Parse decodes a test file by extension and validates it.
func Parse(filename string, data []byte) (*Test, error) {
	var t Test
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("%w: yaml: %v", ErrInvalidTest, err)
		}
	default:
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("%w: json: %v", ErrInvalidTest, err)
		}
	}

	if err := ValidateTest(&t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTest, err)
	}
	return &t, nil
}

func isTestExt(ext string) bool {
	for _, e := range extensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}
