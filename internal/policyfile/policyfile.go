// Package policyfile reads popup policies from YAML files for deployments
// without a database.
//
// A base file may be accompanied by an environment overlay next to it, e.g.
// policies.yaml and policies.staging.yaml when APP_ENV=staging. Overlay entries
// are applied after the base, so they replace base entries of the same app.
package policyfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"popup-policy-engine/internal/observability"
	"popup-policy-engine/internal/popup"
	"popup-policy-engine/internal/storage"
)

// document keeps entries as raw nodes so that one malformed entry does not
// take the rest of the file down with it.
type document struct {
	Emergency []yaml.Node `yaml:"emergency"`
	Update    []yaml.Node `yaml:"update"`
	Notice    []yaml.Node `yaml:"notice"`
}

// File is a policy loader backed by a YAML file.
type File struct {
	path string
	env  string
}

func New(path string) *File {
	return &File{path: path, env: strings.ToLower(os.Getenv("APP_ENV"))}
}

func (f *File) Path() string { return f.path }

// Paths returns the files that are read, base first.
func (f *File) Paths() []string {
	out := []string{f.path}
	if f.env != "" {
		out = append(out, overlayPath(f.path, f.env))
	}
	return out
}

func overlayPath(base, env string) string {
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + "." + env + ext
}

func (f *File) LoadPolicies(_ context.Context) (storage.PolicyRows, error) {
	var rows storage.PolicyRows
	for i, p := range f.Paths() {
		doc, err := loadYAML(p)
		if err != nil {
			if i > 0 && errors.Is(err, os.ErrNotExist) {
				continue // overlays are optional
			}
			return storage.PolicyRows{}, err
		}
		rows.Emergency = append(rows.Emergency, decodeEntries[popup.EmergencyPolicy](p, storage.KindEmergency, doc.Emergency, &rows.Skipped)...)
		rows.Update = append(rows.Update, decodeEntries[popup.UpdatePolicy](p, storage.KindUpdate, doc.Update, &rows.Skipped)...)
		rows.Notice = append(rows.Notice, decodeEntries[popup.NoticePolicy](p, storage.KindNotice, doc.Notice, &rows.Skipped)...)
	}
	return rows, nil
}

// decodeEntries decodes each node on its own. Entries with unknown keys or
// mistyped values are logged, counted in skipped and left out.
func decodeEntries[T any](path, kind string, nodes []yaml.Node, skipped *int) []T {
	out := make([]T, 0, len(nodes))
	for i := range nodes {
		var v T
		if err := decodeStrict(&nodes[i], &v); err != nil {
			*skipped++
			observability.InvalidPolicies.WithLabelValues(kind).Inc()
			log.Warn().Err(err).
				Str("file", path).
				Str("tier", kind).
				Int("line", nodes[i].Line).
				Msg("skipping malformed policy entry")
			continue
		}
		out = append(out, v)
	}
	return out
}

// decodeStrict is Node.Decode with unknown fields rejected, which Node.Decode
// itself does not support.
func decodeStrict(n *yaml.Node, v any) error {
	b, err := yaml.Marshal(n)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	return dec.Decode(v)
}

func loadYAML(path string) (document, error) {
	f, err := os.Open(path)
	if err != nil {
		return document{}, fmt.Errorf("open policy file %s: %w", path, err)
	}
	defer f.Close()

	var doc document
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return document{}, fmt.Errorf("decode policy file %s: %w", path, err)
	}
	return doc, nil
}
