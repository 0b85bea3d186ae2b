package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	logx "github.com/faiyaz032/notivox/pkg/logx"
)

// Manager owns the current config for one file and fans out accepted edits.
type Manager struct {
	path     string
	debounce time.Duration
	log      logx.Logger

	mu   sync.RWMutex
	cfg  *Config
	hash uint64

	subsMu sync.Mutex
	subs   map[chan *Config]struct{}
}

func NewManager(path string) *Manager {
	return &Manager{
		path:     path,
		debounce: 250 * time.Millisecond,
		subs:     make(map[chan *Config]struct{}),
	}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// Load reads the file, applies NOTIVOX_* overrides, validates, and makes
// the result current.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.read()
	if err != nil {
		return nil, err
	}
	m.swap(cfg)
	return cfg, nil
}

func (m *Manager) read() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(m.path, raw)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// swap stores cfg and reports whether it differs from the previous one.
func (m *Manager) swap(cfg *Config) bool {
	h := fingerprint(cfg)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg != nil && h != 0 && h == m.hash {
		return false
	}
	m.cfg, m.hash = cfg, h
	return true
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel receiving every accepted edit. A slow
// subscriber only ever holds the newest configs.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe stops delivery and closes ch.
func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		for {
			select {
			case ch <- cfg:
			default:
				// full: discard the oldest and try again
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// reload runs after the file settles. Rejected or unchanged content keeps
// the current config.
func (m *Manager) reload() {
	cfg, err := m.read()
	if err != nil {
		m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
		return
	}
	if !m.swap(cfg) {
		m.log.Debug("config unchanged", logx.String("path", m.path))
		return
	}
	m.publish(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path))
}
