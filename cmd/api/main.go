package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"caption-pipeline-go/internal/cache"
	"caption-pipeline-go/internal/config"
	"caption-pipeline-go/internal/coordinator"
	"caption-pipeline-go/internal/engine"
	"caption-pipeline-go/internal/logger"
	"caption-pipeline-go/internal/metrics"
	"caption-pipeline-go/internal/sink"
	"caption-pipeline-go/internal/types"
)

// ingestRequest is the ingestion boundary's wire shape. Payload is transcript
// text; captured_at defaults to the arrival time when the source omits it.
type ingestRequest struct {
	StreamID   string    `json:"stream_id"`
	SequenceNo uint64    `json:"sequence_no"`
	Payload    string    `json:"payload"`
	CapturedAt time.Time `json:"captured_at"`
	Strategy   string    `json:"strategy,omitempty"`
}

func main() {
	_ = godotenv.Load() // loads .env

	log := logger.New()
	log.WithField("service", "caption-pipeline-go").Info("starting service")

	cfg, err := config.Load("")
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	log.SetLevel(cfg.LogLevel)

	reg := engine.NewRegistry(cfg.StrictStrategyResolution)
	mustRegister(log, reg, engine.StrategyStandard, engine.Standard{})
	mustRegister(log, reg, engine.StrategyMultiLanguage, engine.MultiLanguage{})
	mustRegister(log, reg, engine.StrategyVoiceControl, engine.VoiceControl{})
	if endpoint := os.Getenv("REMOTE_ENRICH_URL"); endpoint != "" {
		name := envOr("REMOTE_ENRICH_STRATEGY", "remote")
		mustRegister(log, reg, name, engine.NewRemote(name, endpoint))
		log.WithField("strategy", name).WithField("endpoint", endpoint).Info("remote enrichment engine registered")
	}
	if err := reg.SetDefault(cfg.StrategyName); err != nil {
		log.WithError(err).Fatal("configured strategy is not registered")
	}

	mtr := metrics.New()

	var store *cache.Store
	if cfg.CachePersistDir != "" {
		store, err = cache.OpenStore(cfg.CachePersistDir, cfg.CacheTTL(), log)
		if err != nil {
			log.WithError(err).Fatal("failed to open persistent cache tier")
		}
		log.WithField("dir", cfg.CachePersistDir).Info("persistent cache tier open")
	}

	cm := cache.New(cache.Options{
		TTL:        cfg.CacheTTL(),
		MaxEntries: cfg.CacheMaxEntries,
		SweepEvery: cfg.CacheSweepInterval(),
	}, store, mtr, log)

	snk := sink.NewChannelSink(cfg.SinkBufferSize, sink.Policy(cfg.SinkPolicy), mtr, log)
	coord := coordinator.New(cfg, reg, cm, snk, mtr, log)

	hub := newFeed(snk, log)
	go hub.run()

	mux := http.NewServeMux()

	// health
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		log.WithRequest(r).Debug("health check")
		fmt.Fprint(w, "ok")
	})

	// ingestion boundary
	mux.HandleFunc("/ingest", func(w http.ResponseWriter, r *http.Request) {
		reqLog := log.WithRequest(r).WithField("handler", "ingest")
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req ingestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			reqLog.WithError(err).Warn("invalid ingest body")
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if req.StreamID == "" {
			http.Error(w, "missing stream_id", http.StatusBadRequest)
			return
		}
		capturedAt := req.CapturedAt
		if capturedAt.IsZero() {
			capturedAt = time.Now().UTC()
		}

		err := coord.Ingest(types.Segment{
			StreamID:   req.StreamID,
			SequenceNo: req.SequenceNo,
			Payload:    []byte(req.Payload),
			CapturedAt: capturedAt,
		}, req.Strategy)

		var unknown *engine.UnknownStrategyError
		var closed *coordinator.StreamClosedError
		var backlog *coordinator.BacklogError
		switch {
		case err == nil:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			fmt.Fprintln(w, `{"status":"accepted"}`)
		case errors.As(err, &unknown):
			reqLog.WithError(err).Warn("unknown strategy")
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.As(err, &closed):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.As(err, &backlog):
			reqLog.WithField("stream_id", req.StreamID).Warn("arrival queue full")
			http.Error(w, err.Error(), http.StatusTooManyRequests)
		case errors.Is(err, coordinator.ErrShutdown):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		default:
			reqLog.WithError(err).Error("ingest failed")
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	// close a stream: flush its buffer and refuse further ingests
	mux.HandleFunc("/close", func(w http.ResponseWriter, r *http.Request) {
		reqLog := log.WithRequest(r).WithField("handler", "close")
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		streamID := r.URL.Query().Get("stream_id")
		if streamID == "" {
			http.Error(w, "missing stream_id", http.StatusBadRequest)
			return
		}
		if err := coord.CloseStream(streamID); err != nil {
			if errors.Is(err, coordinator.ErrShutdown) {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			reqLog.WithError(err).Error("close failed")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		reqLog.WithField("stream_id", streamID).Info("stream close requested")
		if err := writeJSON(w, map[string]string{"status": "closed", "stream_id": streamID}); err != nil {
			reqLog.WithError(err).Error("failed to write response")
		}
	})

	// counters for external monitoring
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if err := writeJSON(w, mtr.Snapshot()); err != nil {
			log.WithRequest(r).WithError(err).Error("failed to write metrics")
		}
	})

	// registered strategies and the resolution policy
	mux.HandleFunc("/strategies", func(w http.ResponseWriter, r *http.Request) {
		out := struct {
			Strategies []string `json:"strategies"`
			Default    string   `json:"default"`
			Strict     bool     `json:"strict"`
		}{reg.Names(), cfg.StrategyName, reg.Strict()}
		if err := writeJSON(w, out); err != nil {
			log.WithRequest(r).WithError(err).Error("failed to write strategies")
		}
	})

	// live feed of published events
	mux.HandleFunc("/ws", hub.handleWS)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server terminated")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown incomplete")
	}

	// Order matters: the coordinator flushes into the sink, the feed drains the
	// sink until it closes, the cache logs its final counters last.
	if err := coord.Close(); err != nil {
		log.WithError(err).Warn("coordinator close failed")
	}
	if err := snk.Close(); err != nil {
		log.WithError(err).Warn("sink close failed")
	}
	if err := cm.Close(); err != nil {
		log.WithError(err).Warn("cache close failed")
	}

	snap := mtr.Snapshot()
	log.WithField("segments_published", snap.SegmentsPublished).
		WithField("gaps_total", snap.GapsTotal).
		WithField("cache_hits", snap.CacheHits).
		Info("service stopped")
}

func mustRegister(log *logger.Logger, reg *engine.Registry, name string, eng engine.Engine) {
	if err := reg.Handle(name, eng); err != nil {
		log.WithError(err).WithField("strategy", name).Fatal("engine registration failed")
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
