package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Settings represents the bootstrap configuration persisted to disk.
// Runtime tunables (TTLs, API keys, cookies, proxy) live in the config
// table instead so they can be edited through the UI without a restart.
type Settings struct {
	Server   ServerSettings   `json:"server"`
	Database DatabaseSettings `json:"database"`
	Data     DataSettings     `json:"data"`
	Log      LogSettings      `json:"log"`
}

type ServerSettings struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// DatabaseSettings defines where the sqlite database lives.
type DatabaseSettings struct {
	Path string `json:"path"`
}

// DataSettings defines the directory for downloaded posters and other
// locally cached files.
type DataSettings struct {
	Directory string `json:"directory"`
}

// LogSettings configures file logging with rotation.
type LogSettings struct {
	File       string `json:"file"`
	MaxSize    int    `json:"maxSize"`
	MaxBackups int    `json:"maxBackups"`
	MaxAge     int    `json:"maxAge"`
	Compress   bool   `json:"compress"`
}

// Defaults returns the settings written on first run.
func Defaults() Settings {
	return Settings{
		Server:   ServerSettings{Host: "0.0.0.0", Port: 7768},
		Database: DatabaseSettings{Path: filepath.Join("data", "danmu.db")},
		Data:     DataSettings{Directory: "data"},
		Log: LogSettings{
			File:       filepath.Join("data", "logs", "server.log"),
			MaxSize:    10,
			MaxBackups: 5,
			MaxAge:     30,
		},
	}
}

// Manager loads and saves the settings file, creating defaults when the
// file does not exist yet.
type Manager struct {
	path string

	mu     sync.RWMutex
	cached *Settings
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Load reads the settings file, creating it with defaults when missing.
func (m *Manager) Load() (Settings, error) {
	m.mu.RLock()
	if m.cached != nil {
		s := *m.cached
		m.mu.RUnlock()
		return s, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached != nil {
		return *m.cached, nil
	}

	data, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		settings := Defaults()
		if err := m.saveLocked(settings); err != nil {
			return Settings{}, err
		}
		m.cached = &settings
		return settings, nil
	}
	if err != nil {
		return Settings{}, err
	}

	settings := Defaults()
	if err := json.Unmarshal(data, &settings); err != nil {
		return Settings{}, err
	}
	m.cached = &settings
	return settings, nil
}

// Save persists settings to disk and refreshes the in-memory copy.
func (m *Manager) Save(settings Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.saveLocked(settings); err != nil {
		return err
	}
	m.cached = &settings
	return nil
}

func (m *Manager) saveLocked(settings Settings) error {
	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0o644)
}
