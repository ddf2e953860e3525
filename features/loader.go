// Package features loads feature descriptions from disk. Files are YAML or
// JSON (one feature or a list under "features") or HTML pages, which become
// one feature each with the page converted to markdown.
package features

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/casegen/testcase"
)

// entry is the on-disk form of one feature. DescriptionHTML, when set, is
// converted to markdown and replaces Description.
type entry struct {
	testcase.FeatureConfig `yaml:",inline"`
	DescriptionHTML        string `yaml:"description_html" json:"description_html"`
}

// UnmarshalJSON keeps FeatureConfig's JSON names and adds description_html.
func (e *entry) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &e.FeatureConfig); err != nil {
		return err
	}
	var extra struct {
		DescriptionHTML string `json:"description_html"`
	}
	if err := json.Unmarshal(data, &extra); err != nil {
		return err
	}
	e.DescriptionHTML = extra.DescriptionHTML
	return nil
}

// document is a feature file: either a single feature or a list.
type document struct {
	entry    `yaml:",inline"`
	Features []entry `yaml:"features" json:"features"`
}

// Loader reads feature files.
type Loader struct {
	html   *htmlConverter
	logger *slog.Logger
}

// NewLoader creates a Loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{html: newHTMLConverter(), logger: logger}
}

// Expand resolves glob patterns (with ** support) to a sorted, de-duplicated
// list of files. A pattern without glob characters must name an existing file.
func Expand(patterns ...string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no feature files match %q", pattern)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				files = append(files, m)
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

// Load reads every file matching patterns and returns the features in file
// order. Every feature is validated.
func (l *Loader) Load(patterns ...string) ([]testcase.FeatureConfig, error) {
	files, err := Expand(patterns...)
	if err != nil {
		return nil, err
	}

	var out []testcase.FeatureConfig
	for _, path := range files {
		loaded, err := l.LoadFile(path)
		if err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded feature file", "path", path, "features", len(loaded))
		out = append(out, loaded...)
	}
	return out, nil
}

// LoadFile reads one feature file, choosing the format by extension.
func (l *Loader) LoadFile(path string) ([]testcase.FeatureConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var entries []entry
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		var doc document
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		entries = doc.entries()
	case ".json":
		entries, err = parseJSON(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".html", ".htm":
		doc, err := l.html.Convert(string(data))
		if err != nil {
			return nil, fmt.Errorf("convert %s: %w", path, err)
		}
		name := doc.Title
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		entries = []entry{{FeatureConfig: testcase.FeatureConfig{Name: name, Description: doc.Markdown}}}
	default:
		return nil, fmt.Errorf("%s: unsupported feature file type %q", path, ext)
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("%s: no features defined", path)
	}

	out := make([]testcase.FeatureConfig, 0, len(entries))
	for i, e := range entries {
		if e.DescriptionHTML != "" {
			doc, err := l.html.Convert(e.DescriptionHTML)
			if err != nil {
				return nil, fmt.Errorf("%s: feature %d: convert description: %w", path, i+1, err)
			}
			e.Description = doc.Markdown
		}
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, e.FeatureConfig)
	}
	return out, nil
}

func (d document) entries() []entry {
	if len(d.Features) > 0 {
		return d.Features
	}
	if d.Name == "" && d.Description == "" && d.DescriptionHTML == "" {
		return nil
	}
	return []entry{d.entry}
}

// parseJSON accepts a bare list, {"features": [...]} or a single object.
func parseJSON(data []byte) ([]entry, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var list []entry
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, err
		}
		return list, nil
	}

	var wrapped struct {
		Features []entry `json:"features"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}
	if len(wrapped.Features) > 0 {
		return wrapped.Features, nil
	}

	var single entry
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, err
	}
	if single.Name == "" && single.Description == "" && single.DescriptionHTML == "" {
		return nil, nil
	}
	return []entry{single}, nil
}
