package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// The yaml API exposes the small operator-editable files the UI reads:
// watchlist (list of symbols), thresholds and dollar-values (symbol→number
// maps). Files written by hand drift between root shapes, so reads
// normalize the known alternates before returning.
var yamlDocs = map[string]struct {
	file string
	// alternate root keys accepted on read
	roots []string
	list  bool
}{
	"watchlist":     {file: "watchlist.yaml", roots: []string{"watchlist", "symbols"}, list: true},
	"thresholds":    {file: "thresholds.yaml", roots: []string{"thresholds"}},
	"dollar-values": {file: "dollar-values.yaml", roots: []string{"dollar-values", "dollars"}},
}

func (s *HTTPServer) apiYAML(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/api/yaml/")
	doc, ok := yamlDocs[name]
	if !ok {
		http.NotFound(w, r)
		return
	}
	path := filepath.Join(s.cfg.DataDir, doc.file)

	switch r.Method {
	case http.MethodGet:
		data, err := readYAMLDoc(path, doc.roots, doc.list)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"ok": true, "name": name, "data": data})
	case http.MethodPut, http.MethodPost:
		var req struct {
			Data any `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if err := writeYAMLDoc(path, doc.roots[0], req.Data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"ok": true, "name": name})
	default:
		http.Error(w, "GET, PUT or POST required", http.StatusMethodNotAllowed)
	}
}

// readYAMLDoc accepts either a bare document (list or map) or the same
// content nested under one of the known root keys, and returns the
// normalized payload. A missing file is an empty document, not an error.
func readYAMLDoc(path string, roots []string, wantList bool) (any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if wantList {
				return []any{}, nil
			}
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var raw any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if m, ok := raw.(map[string]any); ok {
		for _, root := range roots {
			if nested, ok := m[root]; ok {
				raw = nested
				break
			}
		}
	}
	if raw == nil {
		if wantList {
			return []any{}, nil
		}
		return map[string]any{}, nil
	}
	if wantList {
		if _, ok := raw.([]any); !ok {
			return nil, fmt.Errorf("%s: expected a list", path)
		}
	}
	return raw, nil
}

func writeYAMLDoc(path, root string, data any) error {
	b, err := yaml.Marshal(map[string]any{root: data})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
