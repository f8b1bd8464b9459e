package config

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Store is the key-value store shared by the session (writer) and the HTTP
// server (reader). Viper itself is not safe for concurrent use, so every
// access goes through mu.
type Store struct {
	mu sync.RWMutex
	v  *viper.Viper
	fs afero.Fs

	watcher *fsnotify.Watcher
}

func NewStore(v *viper.Viper, fs afero.Fs) *Store {
	if v == nil {
		v = viper.New()
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Store{v: v, fs: fs}
}

func (s *Store) GetString(key, def string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.v.IsSet(key) {
		return def
	}
	return s.v.GetString(key)
}

func (s *Store) SetString(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.Set(key, value)
}

func (s *Store) GetInt(key string, def int) int {
	s.mu.RLock()
	raw := s.v.Get(key)
	s.mu.RUnlock()
	if raw == nil {
		return def
	}
	n, err := cast.ToIntE(raw)
	if err != nil {
		log.Printf("[CONFIG] key %q is not an integer (%v), using %d", key, raw, def)
		return def
	}
	return n
}

// Reload reads path and copies the listed keys that the file defines into
// the store. Keys absent from the file keep their current value.
func (s *Store) Reload(path string, keys ...string) error {
	fresh := viper.New()
	fresh.SetFs(s.fs)
	fresh.SetConfigFile(path)
	if err := fresh.ReadInConfig(); err != nil {
		return fmt.Errorf("reload %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		if fresh.IsSet(key) {
			s.v.Set(key, fresh.Get(key))
		}
	}
	return nil
}

// Watch reloads keys from path every time the file is written or replaced.
// The directory is watched rather than the file so editors that swap files
// on save are still picked up.
func (s *Store) Watch(path string, keys ...string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return err
	}

	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := s.Reload(abs, keys...); err != nil {
					log.Printf("[CONFIG] %v", err)
					continue
				}
				log.Printf("[CONFIG] reloaded %s (%s)", event.Name, event.Op)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[CONFIG] watcher error: %v", err)
			}
		}
	}()
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Close()
	s.watcher = nil
	return err
}
