// Package docs renders the node's AsciiDoc documentation to HTML.
package docs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bytesparadise/libasciidoc"
	"github.com/bytesparadise/libasciidoc/pkg/configuration"
)

// ErrInvalidName is returned for names that are not a plain .adoc file in
// the docs directory.
var ErrInvalidName = errors.New("invalid document name")

type Service struct {
	docsDir string
	cache   map[string]string // filename -> html content
	mu      sync.RWMutex
}

func NewService(docsDir string) *Service {
	return &Service{
		docsDir: docsDir,
		cache:   make(map[string]string),
	}
}

func validName(name string) bool {
	return name != "" &&
		name == filepath.Base(name) &&
		!strings.HasPrefix(name, ".") &&
		strings.HasSuffix(name, ".adoc")
}

// GetDoc renders filename once and serves later calls from the cache.
func (s *Service) GetDoc(ctx context.Context, filename string) (string, error) {
	if !validName(filename) {
		return "", ErrInvalidName
	}

	s.mu.RLock()
	content, ok := s.cache[filename]
	s.mu.RUnlock()
	if ok {
		return content, nil
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := os.ReadFile(filepath.Join(s.docsDir, filename))
	if err != nil {
		return "", fmt.Errorf("failed to read doc file: %w", err)
	}

	output := bytes.NewBuffer(nil)
	config := configuration.NewConfiguration(
		configuration.WithHeaderFooter(false),
		configuration.WithAttribute("toc", "left"),
	)
	if _, err := libasciidoc.Convert(bytes.NewReader(data), output, config); err != nil {
		return "", fmt.Errorf("failed to convert asciidoc: %w", err)
	}

	html := output.String()

	s.mu.Lock()
	s.cache[filename] = html
	s.mu.Unlock()

	return html, nil
}

// ListDocs returns the .adoc files in the docs directory, sorted by name.
func (s *Service) ListDocs() ([]string, error) {
	entries, err := os.ReadDir(s.docsDir)
	if err != nil {
		return nil, err
	}

	docs := []string{}
	for _, entry := range entries {
		if !entry.IsDir() && validName(entry.Name()) {
			docs = append(docs, entry.Name())
		}
	}
	sort.Strings(docs)
	return docs, nil
}
