package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Settings serves live configuration values. After Watch, edits to the
// config file replace the snapshot; an invalid edit keeps the previous one.
type Settings struct {
	v      *viper.Viper
	logger zerolog.Logger

	mu       sync.RWMutex
	cfg      *Config
	onChange []func(old, cur *Config)
}

// NewSettings wraps cfg, loaded through v, for live reloads.
func NewSettings(v *viper.Viper, cfg *Config, logger zerolog.Logger) *Settings {
	return &Settings{v: v, cfg: cfg, logger: logger}
}

// Config returns the current snapshot. Callers must not modify it.
func (s *Settings) Config() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// MaxConcurrentDownloads is the worker pool width.
func (s *Settings) MaxConcurrentDownloads() int {
	return s.Config().Download.MaxConcurrent
}

// MaxCacheSizeMB is the cache limit; zero or less means unlimited.
func (s *Settings) MaxCacheSizeMB() int {
	return s.Config().Cache.MaxSizeMB
}

func (s *Settings) MinRequestDelayMS() int {
	return s.Config().Download.MinRequestDelayMS
}

func (s *Settings) TileURLTemplate() string {
	return s.Config().Download.TileURLTemplate
}

// OnChange registers fn to run after every successful reload.
func (s *Settings) OnChange(fn func(old, cur *Config)) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// Watch starts watching the config file in use, if any.
func (s *Settings) Watch() {
	if s.v.ConfigFileUsed() == "" {
		return
	}
	s.v.OnConfigChange(s.handleConfigChange)
	s.v.WatchConfig()
	s.logger.Info().Str("file", s.v.ConfigFileUsed()).Msg("watching config file")
}

func (s *Settings) handleConfigChange(e fsnotify.Event) {
	if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
		return
	}
	if err := s.Reload(); err != nil {
		s.logger.Error().Err(err).Str("file", e.Name).Msg("config reload rejected")
		return
	}
	s.logger.Info().Str("file", e.Name).Msg("config reloaded")
}

// Reload rereads the config file and swaps the snapshot if it validates.
func (s *Settings) Reload() error {
	if s.v.ConfigFileUsed() != "" {
		if err := s.v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
	}
	cfg, err := decode(s.v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	hooks := append([]func(old, cur *Config){}, s.onChange...)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(old, cfg)
	}
	return nil
}
