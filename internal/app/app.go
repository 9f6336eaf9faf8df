package app

import (
	"fmt"
	"net/http"
	"time"

	"discserver/internal/border"
	"discserver/internal/config"
	"discserver/internal/encoder"
	"discserver/internal/handlers"
	"discserver/internal/logger"
	"discserver/internal/matcher"
	"discserver/internal/routes"
	"discserver/internal/storage"
	"discserver/internal/store"
)

type App struct {
	config  *config.Config
	logger  *logger.Logger
	store   *store.Store
	files   *storage.FileStore
	matcher *matcher.Matcher
	stop    chan struct{}
}

// NewApp wires config, logger, database, files, encoder, and matcher.
// Configuration problems are fatal here: the matcher refuses to serve.
func NewApp() (*App, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log := logger.NewLogger(cfg)

	st, err := store.Open(cfg.DatabaseURL, cfg.LinearScanThreshold, log)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(); err != nil {
		return nil, err
	}

	enc, err := encoder.Active(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encoder: %w", err)
	}

	files := storage.NewFileStore(cfg, log)
	detector := border.NewDetector(cfg, log)
	m := matcher.New(cfg, enc, detector, st, files, log)

	return &App{
		config:  cfg,
		logger:  log,
		store:   st,
		files:   files,
		matcher: m,
		stop:    make(chan struct{}),
	}, nil
}

// Run starts the orphan sweeper and serves HTTP.
func (a *App) Run() error {
	go a.files.Run(time.Duration(a.config.SweepIntervalS)*time.Second, a.listLiveDiscs, a.stop)

	handler := handlers.NewDiscHandler(a.matcher, a.config, a.logger)
	mux := routes.SetupRoutes(handler)

	a.logger.Info("🥏 Disc identification server")
	a.logger.Info("📍 URL: http://localhost:%d", a.config.Port)
	a.logger.Info("🤖 Encoder: %s", a.config.EncoderType)
	a.logger.Info("📁 Uploads: %s", a.config.UploadDir)

	return http.ListenAndServe(fmt.Sprintf(":%d", a.config.Port), mux)
}

// Stop halts background services.
func (a *App) Stop() {
	close(a.stop)
	a.logger.Sync()
}

// listLiveDiscs feeds the orphan sweeper the set of disc ids that still
// have a database row.
func (a *App) listLiveDiscs() (map[int64]bool, error) {
	discs, err := a.store.ListDiscs(store.DiscFilter{})
	if err != nil {
		return nil, err
	}
	live := make(map[int64]bool, len(discs))
	for _, d := range discs {
		live[d.ID] = true
	}
	return live, nil
}
