package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/taxpadi/engine/engine"
	"github.com/taxpadi/engine/internal/config"
	"github.com/taxpadi/engine/internal/logger"
	"github.com/taxpadi/engine/internal/metrics"
	"github.com/taxpadi/engine/ruleset"
	"github.com/taxpadi/engine/store"
)

type Server struct {
	db        *sql.DB
	manager   *ruleset.Manager
	snapshots store.SnapshotStore
	router    *chi.Mux
}

func NewServer(cfg *config.Config) (*Server, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	var cache store.RuleSetCache
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		cache = store.NewRedisRuleSetCache(client, store.CacheConfig{TTL: cfg.CacheTTL})
		slog.Info("using redis rule set cache", "addr", cfg.RedisAddr)
	} else {
		cache = store.NewInMemoryRuleSetCache(store.CacheConfig{TTL: cfg.CacheTTL})
	}

	s := &Server{
		db:        db,
		manager:   ruleset.NewManager(store.NewPostgresRuleSetStore(db), cache),
		snapshots: store.NewPostgresSnapshotStore(db),
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/api/v1/evaluate", s.handleEvaluate)
	r.Post("/api/v1/evaluate/preview", s.handleEvaluatePreview)

	r.Route("/api/v1/rulesets", func(r chi.Router) {
		r.Get("/", s.handleListRuleSets)
		r.Post("/", s.handleCreateRuleSet)

		r.Route("/{version}", func(r chi.Router) {
			r.Get("/", s.handleGetRuleSet)
			r.Post("/activate", s.handleActivateRuleSet)

			r.Get("/rules", s.handleListRules)
			r.Post("/rules", s.handleAddRule)
			r.Put("/rules/{key}", s.handleUpdateRule)
			r.Delete("/rules/{key}", s.handleDeleteRule)

			r.Get("/templates", s.handleListTemplates)
			r.Post("/templates", s.handleAddTemplate)
			r.Put("/templates/{key}", s.handleUpdateTemplate)
			r.Delete("/templates/{key}", s.handleDeleteTemplate)
		})
	})

	r.Get("/api/v1/businesses/{businessId}/snapshots", s.handleListSnapshots)
	r.Get("/api/v1/snapshots/{snapshotId}", s.handleGetSnapshot)

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	s.evaluate(w, r, true)
}

func (s *Server) handleEvaluatePreview(w http.ResponseWriter, r *http.Request) {
	s.evaluate(w, r, false)
}

// evaluate runs the active rule set against the submitted profile. When
// persist is set the result is written to the snapshot store; a preview
// leaves no trace beyond metrics.
func (s *Server) evaluate(w http.ResponseWriter, r *http.Request, persist bool) {
	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.BusinessID == "" {
		respondError(w, http.StatusBadRequest, "businessId is required", nil)
		return
	}
	if req.Profile == nil {
		respondError(w, http.StatusBadRequest, "profile is required", nil)
		return
	}
	if req.Year == 0 {
		req.Year = time.Now().UTC().Year()
	}

	rs, err := s.manager.Active()
	if err != nil {
		if errors.Is(err, store.ErrNoActiveRuleSet) {
			respondError(w, http.StatusConflict, "no active rule set configured", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to load rule set", err)
		return
	}

	start := time.Now()
	result, err := engine.Evaluate(rs, req.Profile, req.Year)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "evaluation failed", err)
		return
	}
	metrics.EvaluateLatency.Observe(time.Since(start).Seconds())

	mode := "preview"
	if persist {
		mode = "evaluate"
	}
	metrics.Evaluations.WithLabelValues(mode, rs.Version).Inc()

	resp := EvaluateResponse{
		RuleSetVersion: rs.Version,
		Year:           req.Year,
		Outputs:        result.Outputs,
		Explanations:   result.Explanations,
		MatchedRules:   result.MatchedRules,
	}

	if persist {
		snap := &store.Snapshot{
			BusinessID:     req.BusinessID,
			RuleSetVersion: rs.Version,
			Year:           req.Year,
			Profile:        req.Profile,
			Outputs:        result.Outputs,
			Explanations:   result.Explanations,
			MatchedRules:   result.MatchedRules,
		}
		if err := s.snapshots.Insert(snap); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to persist snapshot", err)
			return
		}
		metrics.SnapshotWrites.Inc()
		resp.SnapshotID = snap.ID
	}

	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRuleSets(w http.ResponseWriter, r *http.Request) {
	metas, err := s.manager.List()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rule sets", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ruleSets": metas})
}

func (s *Server) handleCreateRuleSet(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	meta, err := s.manager.Create(req.Version)
	if err != nil {
		respondStoreError(w, "failed to create rule set", err)
		return
	}
	respondJSON(w, http.StatusCreated, meta)
}

func (s *Server) handleGetRuleSet(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")

	rs, err := s.manager.Get(version)
	if err != nil {
		respondStoreError(w, "failed to get rule set", err)
		return
	}
	respondJSON(w, http.StatusOK, rs)
}

func (s *Server) handleActivateRuleSet(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")

	if err := s.manager.Activate(version); err != nil {
		respondStoreError(w, "failed to activate rule set", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"active": version})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")

	rs, err := s.manager.Get(version)
	if err != nil {
		respondStoreError(w, "failed to get rule set", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"rules": rs.Rules})
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")

	var rule engine.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if err := s.manager.AddRule(version, rule); err != nil {
		respondStoreError(w, "failed to add rule", err)
		return
	}
	respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")
	key := chi.URLParam(r, "key")

	var rule engine.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	rule.Key = key

	if err := s.manager.UpdateRule(version, rule); err != nil {
		respondStoreError(w, "failed to update rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")
	key := chi.URLParam(r, "key")

	if err := s.manager.DeleteRule(version, key); err != nil {
		respondStoreError(w, "failed to delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")

	rs, err := s.manager.Get(version)
	if err != nil {
		respondStoreError(w, "failed to get rule set", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"templates": rs.DeadlineTemplates})
}

func (s *Server) handleAddTemplate(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")

	var tmpl engine.DeadlineTemplate
	if err := json.NewDecoder(r.Body).Decode(&tmpl); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if err := s.manager.AddTemplate(version, tmpl); err != nil {
		respondStoreError(w, "failed to add template", err)
		return
	}
	respondJSON(w, http.StatusCreated, tmpl)
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")
	key := chi.URLParam(r, "key")

	var tmpl engine.DeadlineTemplate
	if err := json.NewDecoder(r.Body).Decode(&tmpl); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	tmpl.Key = key

	if err := s.manager.UpdateTemplate(version, tmpl); err != nil {
		respondStoreError(w, "failed to update template", err)
		return
	}
	respondJSON(w, http.StatusOK, tmpl)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")
	key := chi.URLParam(r, "key")

	if err := s.manager.DeleteTemplate(version, key); err != nil {
		respondStoreError(w, "failed to delete template", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "businessId")

	snaps, err := s.snapshots.ListByBusiness(businessID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list snapshots", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"snapshots": snaps})
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshotID := chi.URLParam(r, "snapshotId")

	snap, err := s.snapshots.Get(snapshotID)
	if err != nil {
		respondStoreError(w, "failed to get snapshot", err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{"error": message}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}

// respondStoreError maps store sentinels to status codes. Anything that is
// neither a sentinel nor wrapped is taken to be invalid input from the
// manager's validation layer.
func respondStoreError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, message, err)
	case errors.Is(err, store.ErrAlreadyExists):
		respondError(w, http.StatusConflict, message, err)
	case errors.Is(err, store.ErrNoActiveRuleSet):
		respondError(w, http.StatusConflict, message, err)
	default:
		respondError(w, http.StatusBadRequest, message, err)
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Setup(cfg.ServiceName, cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	server, err := NewServer(cfg)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}
	defer server.db.Close()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	if err := logger.Shutdown(ctx); err != nil {
		slog.Error("logger shutdown error", "error", err)
	}
}
