package workflow

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"lectern/internal/aitrack"
	"lectern/internal/config"
	"lectern/internal/jobs"
	"lectern/internal/logging"
	"lectern/internal/progress"
	"lectern/internal/stage"
	"lectern/internal/stagecache"
	"lectern/internal/stages"
)

// Dependencies are the collaborators a Manager orchestrates.
type Dependencies struct {
	Config  *config.Config
	Jobs    *jobs.Store
	Cache   *stagecache.Store
	Tracker *aitrack.Tracker
	Hub     *progress.Hub
	Stages  stages.Deps
	Logger  *slog.Logger
}

// Manager coordinates job execution.
type Manager struct {
	cfg     *config.Config
	store   *jobs.Store
	tracker *aitrack.Tracker
	hub     *progress.Hub
	deps    stages.Deps
	logger  *slog.Logger
	owner   string

	prefix   []stage.Runner
	branches []branchSpec

	root       context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
	loopWG     sync.WaitGroup

	mu         sync.RWMutex
	active     map[string]context.CancelFunc
	dispatcher context.CancelFunc
	lastErr    error
	wake       chan struct{}
}

// Option configures optional Manager behavior.
type Option func(*Manager)

// WithOwner fixes the lease owner id, which defaults to a random uuid.
func WithOwner(owner string) Option {
	return func(m *Manager) {
		if owner != "" {
			m.owner = owner
		}
	}
}

// NewManager wires the stage sequence and returns an idle manager.
func NewManager(d Dependencies, opts ...Option) *Manager {
	root, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        d.Config,
		store:      d.Jobs,
		tracker:    d.Tracker,
		hub:        d.Hub,
		deps:       d.Stages,
		logger:     logging.NewComponentLogger(d.Logger, "workflow"),
		owner:      uuid.NewString(),
		root:       root,
		rootCancel: cancel,
		active:     make(map[string]context.CancelFunc),
		wake:       make(chan struct{}, 1),
	}
	if m.hub == nil {
		m.hub = progress.NewHub()
	}
	if m.deps.Config == nil {
		m.deps.Config = d.Config
	}
	for _, opt := range opts {
		opt(m)
	}
	m.register(d.Cache)
	return m
}

// register composes every stage with the checkpoint cache.
func (m *Manager) register(cache *stagecache.Store) {
	ttl := stage.WithTTL(m.cfg.CacheTTL())
	d := m.deps
	m.prefix = []stage.Runner{
		stage.Cached(cache, stages.RetrieveSource(d), ttl),
		stage.Cached(cache, stages.ExtractCaptions(d), ttl),
		stage.Cached(cache, stages.MatchFrames(d), ttl),
		stage.Cached(cache, stages.CleanTranscript(d), ttl),
		stage.Cached(cache, stages.GenerateOutput(d), ttl),
		stage.Cached(cache, stages.CompressOutput(d), ttl),
	}
	m.branches = []branchSpec{
		{
			runner:   stage.Cached(cache, stages.GenerateSpreadsheet(d), ttl),
			artifact: jobs.ArtifactExcel,
			enabled:  func(p config.Profile) bool { return p.Spreadsheet },
		},
		{
			runner:   stage.Cached(cache, stages.GenerateVignette(d), ttl),
			artifact: jobs.ArtifactVignette,
			enabled:  func(p config.Profile) bool { return p.Vignette },
		},
		{
			runner:   stage.Cached(cache, stages.GenerateMindmap(d), ttl),
			artifact: jobs.ArtifactMindmap,
			enabled:  func(p config.Profile) bool { return p.Mindmap },
		},
	}
}

// Owner is the lease owner id of this manager.
func (m *Manager) Owner() string {
	return m.owner
}

// Hub exposes the progress hub.
func (m *Manager) Hub() *progress.Hub {
	return m.hub
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) track(jobID string, cancel context.CancelFunc) {
	m.mu.Lock()
	m.active[jobID] = cancel
	m.mu.Unlock()
}

func (m *Manager) untrack(jobID string) {
	m.mu.Lock()
	delete(m.active, jobID)
	m.mu.Unlock()
	m.signal()
}

func (m *Manager) activeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// signal nudges the dispatcher to look for work.
func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}
