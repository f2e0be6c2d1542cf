package jobdef

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Discover loads every job declared under path and binds it to one of kinds.
//
// path may be a single manifest file or a directory, which is walked
// recursively. A manifest is a JSON or YAML file that either declares one job
// at the top level (it has a "kind" key) or lists several under "jobs". Other
// files are ignored. Any malformed declaration is fatal.
func Discover(ctx context.Context, logger *slog.Logger, path string, kinds ...Kind) (*Registry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("jobdef: job path %s: %w", path, err)
	}

	byName := make(map[string]Kind, len(kinds))
	for _, k := range kinds {
		if _, dup := byName[k.name]; dup {
			return nil, fmt.Errorf("jobdef: kind %q registered twice", k.name)
		}
		byName[k.name] = k
	}

	var files []string
	if info.IsDir() {
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && isManifestExt(p) {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("jobdef: walk %s: %w", path, err)
		}
	} else {
		files = []string{path}
	}

	var defs []*Definition
	for _, file := range files {
		entries, err := readManifest(file)
		if err != nil {
			return nil, fmt.Errorf("jobdef: %s: %w", file, err)
		}
		if entries == nil {
			logger.Debug("jobdef: skipping file without job declarations", "file", file)
			continue
		}

		for _, entry := range entries {
			if entry.Name == "" {
				return nil, fmt.Errorf("jobdef: %s: job definition of kind %q must declare a name", file, entry.Kind)
			}
			if entry.Disabled {
				logger.Debug("jobdef: skipping disabled job", "job", entry.Name, "file", file)
				continue
			}
			kind, ok := byName[entry.Kind]
			if !ok {
				return nil, fmt.Errorf("jobdef: %s: job %q has unknown kind %q", file, entry.Name, entry.Kind)
			}
			def, err := Define(ctx, kind, entry, filepath.Dir(file))
			if err != nil {
				return nil, fmt.Errorf("jobdef: %s: %w", file, err)
			}
			def.source = file
			defs = append(defs, def)
		}
	}

	if len(defs) == 0 {
		return nil, fmt.Errorf("jobdef: %s: %w", path, ErrNoDefinitions)
	}
	reg, err := NewRegistry(defs...)
	if err != nil {
		return nil, fmt.Errorf("jobdef: %w", err)
	}

	logger.Info(fmt.Sprintf("found %d job definition(s)", reg.Len()), "jobs", reg.Names())
	return reg, nil
}

func isManifestExt(p string) bool {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// readManifest returns nil entries for files that declare no jobs.
func readManifest(file string) ([]Entry, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	var doc any
	if strings.EqualFold(filepath.Ext(file), ".json") {
		err = json.Unmarshal(data, &doc)
	} else {
		err = yaml.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	top, ok := doc.(map[string]any)
	if !ok {
		return nil, nil
	}

	if list, ok := top["jobs"]; ok {
		items, ok := list.([]any)
		if !ok {
			return nil, fmt.Errorf(`"jobs" must be a list`)
		}
		entries := make([]Entry, 0, len(items))
		for i, item := range items {
			entry, err := decodeEntry(item)
			if err != nil {
				return nil, fmt.Errorf("jobs[%d]: %w", i, err)
			}
			entries = append(entries, entry)
		}
		return entries, nil
	}

	if _, ok := top["kind"]; ok {
		entry, err := decodeEntry(top)
		if err != nil {
			return nil, err
		}
		return []Entry{entry}, nil
	}
	return nil, nil
}

// decodeEntry goes through JSON so YAML and JSON manifests share one strict decoder.
func decodeEntry(v any) (Entry, error) {
	var entry Entry
	data, err := json.Marshal(v)
	if err != nil {
		return entry, fmt.Errorf("encode entry: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&entry); err != nil {
		return entry, fmt.Errorf("decode entry: %w", err)
	}
	return entry, nil
}
