package sound

import (
	"crypto/sha1" // #nosec G505 - hashing for cache-busting only
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Manager exposes the alert sound with a content-hashed URL so the browser
// can cache it aggressively and still pick up a replaced file.
type Manager struct {
	path      string
	name      string
	url       string
	available bool
	hash      string
}

func NewManager(path string) (*Manager, error) {
	_, name := filepath.Split(path)
	m := &Manager{path: path, name: name}
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		// Not available; the UI falls back to its built-in beep
		return m, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return m, err
	}
	defer f.Close()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return m, err
	}
	m.hash = hex.EncodeToString(h.Sum(nil))
	m.available = true
	// e.g., /sounds/hey.mp3?v=<sha1>
	m.url = fmt.Sprintf("/sounds/%s?v=%s", name, m.hash)
	return m, nil
}

func (m *Manager) Available() bool { return m.available }
func (m *Manager) URL() string     { return m.url }
func (m *Manager) Path() string    { return m.path }
func (m *Manager) Name() string    { return m.name }
func (m *Manager) Hash() string    { return m.hash }
