package config

import (
	"context"
	"sync"

	logx "github.com/Mathew-Carl/Apparition/pkg/logx"
)

// Validator vets a parsed config before it replaces the current one.
type Validator func(ctx context.Context, cfg *Config) error

// ConfigManager holds the current config and republishes it when the file
// changes.
type ConfigManager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	print    digest
	log      logx.Logger
	validate Validator

	// subsMu is held while sending so Unsubscribe never closes a channel
	// mid-send.
	subsMu sync.Mutex
	subs   map[chan *Config]struct{}
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop(), subs: map[chan *Config]struct{}{}}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	m.mu.Lock()
	m.log = log
	m.mu.Unlock()
}

func (m *ConfigManager) SetValidator(fn Validator) {
	m.mu.Lock()
	m.validate = fn
	m.mu.Unlock()
}

// Load parses the file and makes it current without validation or publish.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.commit(cfg, fingerprint(cfg))
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *ConfigManager) commit(cfg *Config, fp digest) {
	m.mu.Lock()
	m.cfg, m.print = cfg, fp
	m.mu.Unlock()
}

func (m *ConfigManager) logger() logx.Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.log
}

// Subscribe returns a channel that receives every committed reload.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

// publish hands cfg to every subscriber. A full subscriber loses its oldest
// pending config so the newest one lands.
func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		for range 2 {
			select {
			case ch <- cfg:
			default:
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

// reload re-reads the file and commits and publishes it when it decodes to
// something new and passes validation.
func (m *ConfigManager) reload(ctx context.Context) {
	log := m.logger().With(logx.String("path", m.path))
	cfg, err := Load(m.path)
	if err != nil {
		log.Warn("config parse failed; keeping current", logx.Err(err))
		return
	}

	fp := fingerprint(cfg)
	m.mu.RLock()
	same, validate := fp == m.print, m.validate
	m.mu.RUnlock()
	if same {
		log.Debug("config unchanged")
		return
	}
	if validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := validate(vctx, cfg)
		cancel()
		if err != nil {
			log.Warn("config rejected", logx.Err(err))
			return
		}
	}

	m.commit(cfg, fp)
	m.publish(cfg)
	log.Info("config reloaded")
}
