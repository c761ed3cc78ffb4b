package platform

import (
	"cmp"
	"encoding/json"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"
)

// Suffix of the file carrying library metadata for a platform.
const libsSuffix = "_libs"

// Top-level keys of one parsed template document.
type Document map[string]json.RawMessage

// Loads and merges every template file for the named platform.
//
// Files are located with [Find], decoded, merged with [Merge] and decoded
// into a [Template].
func Load(name string, searchPath []string) (*Template, error) {
	files, err := Find(name, searchPath)
	if err != nil {
		return nil, err
	}

	docs := make([]Document, 0, len(files))
	for _, file := range files {
		doc, err := ReadDocument(file)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}

	return Decode(Merge(docs...))
}

// Returns the template files for the named platform.
//
// Each directory of the search path is walked recursively. A file matches
// when its base name is "<name>" or "<name>_libs" with a .json, .yaml or
// .yml extension. Matches keep search path order. Within one directory the
// main documents come first and the "_libs" documents last, each group in
// walk order, so library metadata always overrides a stale "libs" key.
func Find(name string, searchPath []string) ([]string, error) {
	if name == "" {
		return nil, errors.Wrap(ErrNotFound, errors.CodeInvalidInput, "platform name is empty")
	}

	var files []string
	for _, dir := range searchPath {
		found, err := findIn(dir, name)
		if err != nil {
			return nil, err
		}
		files = append(files, found...)
	}

	if len(files) == 0 {
		return nil, errors.Wrapf(ErrNotFound, errors.CodeNotFound, "no template for platform %q in %v", name, searchPath)
	}

	return files, nil
}

// Collects matching files below one search directory.
func findIn(dir, name string) ([]string, error) {
	if _, err := os.Stat(dir); err != nil {
		slog.Debug("skipping template directory", "dir", dir, "error", err)
		return nil, nil
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !matches(d.Name(), name) {
			return nil
		}

		slog.Debug("found platform template", "path", path)
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInternal, "failed to search %s", dir)
	}

	slices.SortStableFunc(files, func(a, b string) int {
		return cmp.Compare(isLibs(a), isLibs(b))
	})

	return files, nil
}

// Returns true if file is a template file for the named platform.
func matches(file, name string) bool {
	ext := filepath.Ext(file)
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return false
	}

	base := strings.TrimSuffix(file, ext)
	return base == name || base == name+libsSuffix
}

// Returns 1 for a "_libs" document and 0 otherwise.
func isLibs(path string) int {
	base := filepath.Base(path)
	if strings.HasSuffix(strings.TrimSuffix(base, filepath.Ext(base)), libsSuffix) {
		return 1
	}
	return 0
}

// Reads one template file into a [Document].
//
// YAML files are converted to JSON values so every document has the same
// representation regardless of its source format.
func ReadDocument(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeNotFound, "failed to read %s", path)
	}

	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return decodeYAML(path, data)
	default:
		return decodeJSON(path, data)
	}
}

// Decodes a JSON template document.
func decodeJSON(path string, data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(ErrInvalid, errors.CodeInvalidConfig, "%s: %v", path, err)
	}
	return doc, nil
}

// Decodes a YAML template document.
func decodeYAML(path string, data []byte) (Document, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(ErrInvalid, errors.CodeInvalidConfig, "%s: %v", path, err)
	}

	doc := make(Document, len(raw))
	for key, value := range raw {
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalid, errors.CodeInvalidConfig, "%s: key %q: %v", path, key, err)
		}
		doc[key] = encoded
	}

	return doc, nil
}

// Merges documents at the top level.
//
// Later documents replace keys set by earlier ones. Nested values are not
// merged. The inputs are not modified.
func Merge(docs ...Document) Document {
	merged := make(Document)
	for _, doc := range docs {
		maps.Copy(merged, doc)
	}
	return merged
}

// Decodes a merged document into a [Template].
func Decode(doc Document) (*Template, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to encode merged template")
	}

	var tmpl Template
	if err := json.Unmarshal(data, &tmpl); err != nil {
		return nil, errors.Wrapf(ErrInvalid, errors.CodeInvalidConfig, "%v", err)
	}

	return &tmpl, nil
}
