package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"tradingagents/internal/config"
	"tradingagents/internal/models"

	"github.com/fsnotify/fsnotify"
)

// ErrNoProvider is returned when no usable LLM provider is configured
var ErrNoProvider = errors.New("no LLM provider configured")

// ProviderService resolves the LLM provider the agents talk to. A providers
// YAML file, when configured, wins over the environment and is hot-reloaded.
type ProviderService struct {
	mu       sync.RWMutex
	active   *models.Provider
	filePath string
	fallback *models.Provider
}

// NewProviderService loads filePath (if non-empty) and falls back to envProvider
func NewProviderService(filePath string, envProvider *models.Provider) (*ProviderService, error) {
	s := &ProviderService{filePath: filePath, fallback: envProvider, active: envProvider}
	if filePath != "" {
		if err := s.Reload(); err != nil {
			return nil, err
		}
	}
	if p := s.current(); p != nil {
		log.Printf("✅ [LLM] Using provider %s (%s) quick=%s deep=%s", p.Name, p.BaseURL, p.QuickThinkModel, p.DeepThinkModel)
	} else {
		log.Println("⚠️ [LLM] No LLM provider configured")
	}
	return s, nil
}

func (s *ProviderService) current() *models.Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Active returns a copy of the provider in use
func (s *ProviderService) Active() (models.Provider, error) {
	p := s.current()
	if p == nil {
		return models.Provider{}, ErrNoProvider
	}
	return *p, nil
}

// Available reports whether a provider is configured
func (s *ProviderService) Available() bool {
	return s.current() != nil
}

// Reload re-reads the providers file and swaps the active provider
func (s *ProviderService) Reload() error {
	cfg, err := config.LoadProviders(s.filePath)
	if err != nil {
		return err
	}
	selected, err := selectProvider(cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.active = selected
	s.mu.Unlock()
	return nil
}

func selectProvider(cfg *models.ProvidersConfig) (*models.Provider, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("providers file lists no providers")
	}
	if cfg.Active == "" {
		p := cfg.Providers[0]
		return &p, nil
	}
	for _, p := range cfg.Providers {
		if p.Name == cfg.Active {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("active provider %q not found in providers file", cfg.Active)
}

// Watch reloads the providers file whenever it changes, until ctx is done
func (s *ProviderService) Watch(ctx context.Context) {
	if s.filePath == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("⚠️  Failed to create file watcher: %v", err)
		return
	}
	defer watcher.Close()

	absPath, err := filepath.Abs(s.filePath)
	if err != nil {
		log.Printf("⚠️  Failed to get absolute path for %s: %v", s.filePath, err)
		return
	}

	// Watch the directory containing the file (more reliable than watching the file directly)
	dir := filepath.Dir(absPath)
	filename := filepath.Base(absPath)

	if err := watcher.Add(dir); err != nil {
		log.Printf("⚠️  Failed to watch directory %s: %v", dir, err)
		return
	}

	log.Printf("👁️  Watching %s for changes (hot-reload enabled)", s.filePath)

	var debounceTimer *time.Timer
	debounceDuration := 500 * time.Millisecond
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDuration, func() {
					log.Printf("🔄 Detected changes in %s, reloading providers...", s.filePath)
					if err := s.Reload(); err != nil {
						log.Printf("❌ Failed to reload providers, keeping previous provider: %v", err)
						return
					}
					p := s.current()
					log.Printf("✅ [LLM] Provider switched to %s (%s)", p.Name, p.BaseURL)
				})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️  File watcher error: %v", err)
		}
	}
}
