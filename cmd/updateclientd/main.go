// Command updateclientd wires every collaborator into one UpdateClient and
// exposes it over a small HTTP API, grounded on the teacher's
// cmd/app/main.go: env-loaded Config, zerolog setup, signal-driven graceful
// shutdown, a handful of http.HandleFunc endpoints.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/bluebandedbee/updateclient/internal/cache"
	"github.com/bluebandedbee/updateclient/internal/collaborators"
	"github.com/bluebandedbee/updateclient/internal/component"
	"github.com/bluebandedbee/updateclient/internal/config"
	"github.com/bluebandedbee/updateclient/internal/installer"
	"github.com/bluebandedbee/updateclient/internal/notify"
	"github.com/bluebandedbee/updateclient/internal/observability"
	"github.com/bluebandedbee/updateclient/internal/patch"
	"github.com/bluebandedbee/updateclient/internal/persist"
	"github.com/bluebandedbee/updateclient/internal/ping"
	"github.com/bluebandedbee/updateclient/internal/transport"
	"github.com/bluebandedbee/updateclient/internal/unpack"
	"github.com/bluebandedbee/updateclient/internal/updateclient"
	"github.com/bluebandedbee/updateclient/internal/updatecontext"
)

func main() {
	godotenv.Load()

	cfg := config.Load()
	setupLogging(cfg)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN, Environment: cfg.Env}); err != nil {
			log.Error().Err(err).Msg("sentry init failed, continuing without crash reporting")
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx := context.Background()

	providers, err := observability.Init(ctx, observability.Config{
		Enabled:      cfg.OTelEnabled,
		ServiceName:  "updateclientd",
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPInsecure: cfg.OTLPInsecure,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("observability init failed")
	}
	if providers != nil {
		defer providers.Shutdown(ctx)
	}

	store, err := persist.OpenFromEnvWithRetry(ctx, 10)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to persist store")
	}
	defer store.Close()

	log.Info().Msg("connected to persist store")

	var notifier notify.Notifier
	if slackNotifier, slackErr := notify.NewSlackNotifierFromEnv(); slackErr == nil {
		notifier = slackNotifier
	} else {
		log.Info().Msg("slack ops alerting disabled (SLACK_BOT_TOKEN/SLACK_OPS_CHANNEL not set)")
	}
	pingManager := ping.New(store.DB(), notifier, cfg.PingAlertThreshold)
	if err := pingManager.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure ping schema")
	}

	var checker collaborators.UpdateChecker
	if cfg.UpdateCheckURL != "" {
		checker = transport.NewChecker(cfg.UpdateCheckURL, cfg.UpdateCheckIssuer, []byte(cfg.SigningKeySecret))
	}

	downloader := transport.NewDownloader(cfg.DownloadDir)
	unpacker := unpack.New(cfg.UnpackDir)
	patcher := patch.New()
	install := installer.New()

	artifactCache := cache.New(cfg.CacheMaxItems)

	collab := updatecontext.Collaborators{
		Checker:      checker,
		Downloader:   downloader,
		Unpacker:     unpacker,
		Patcher:      patcher,
		Installer:    install,
		Persisted:    store,
		Pinger:       pingManager,
		CrxCachePath: cfg.CacheDir,
		CacheGet:     artifactCache.Get,
		CachePut:     artifactCache.Put,
	}

	registry := newComponentRegistry()
	client := updateclient.New(collab, registry.resolve)
	client.AddObserver(updateclient.ObserverFunc(func(item *component.CrxUpdateItem) {
		log.Debug().Str("component_id", item.ID).Str("state", item.State.String()).Msg("component state changed")
	}))

	mux := http.NewServeMux()
	registerHandlers(mux, client, registry)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: observability.WrapHandler(mux, providers),
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		<-stop
		log.Info().Msg("shutting down updateclientd")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server forced to shutdown")
		}
		client.Stop()
		close(done)
	}()

	log.Info().Str("port", cfg.Port).Msg("starting updateclientd")
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server error")
	}

	<-done
	log.Info().Msg("updateclientd stopped")
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
		return
	}

	log.Logger = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", "updateclientd").
		Logger()
}

// componentRegistry is the in-process CrxComponent directory the daemon's
// data callback resolves ids against. A real deployment would back this
// with its own configuration store; this is deliberately the simplest thing
// that can satisfy DataCallback for the reference daemon.
type componentRegistry struct {
	components map[string]*component.CrxComponent
}

func newComponentRegistry() *componentRegistry {
	return &componentRegistry{components: make(map[string]*component.CrxComponent)}
}

func (r *componentRegistry) register(cc *component.CrxComponent) {
	r.components[cc.AppID] = cc
}

func (r *componentRegistry) resolve(ctx context.Context, ids []string) ([]*component.CrxComponent, error) {
	out := make([]*component.CrxComponent, len(ids))
	for i, id := range ids {
		out[i] = r.components[id]
	}
	return out, nil
}

func registerHandlers(mux *http.ServeMux, client *updateclient.UpdateClient, registry *componentRegistry) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "OK", "time": time.Now().Format(time.RFC3339)})
	})

	mux.HandleFunc("/components/register", func(w http.ResponseWriter, r *http.Request) {
		var cc component.CrxComponent
		if err := json.NewDecoder(r.Body).Decode(&cc); err != nil {
			http.Error(w, "invalid component payload", http.StatusBadRequest)
			return
		}
		if cc.AppID == "" {
			http.Error(w, "app_id is required", http.StatusBadRequest)
			return
		}
		registry.register(&cc)
		w.WriteHeader(http.StatusCreated)
	})

	mux.HandleFunc("/update", func(w http.ResponseWriter, r *http.Request) {
		handleBatch(w, r, client, false)
	})

	mux.HandleFunc("/check", func(w http.ResponseWriter, r *http.Request) {
		handleBatch(w, r, client, true)
	})

	mux.HandleFunc("/install", func(w http.ResponseWriter, r *http.Request) {
		handleInstall(w, r, client)
	})

	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		handlePing(w, r, client)
	})

	mux.HandleFunc("/cancel", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("session_id")
		if sessionID == "" {
			http.Error(w, "session_id parameter required", http.StatusBadRequest)
			return
		}
		ok := client.Cancel(sessionID)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"cancelled": ok})
	})
}

type batchRequest struct {
	IDs   []string          `json:"ids"`
	Brand string            `json:"brand"`
	AP    string            `json:"ap"`
	Lang  string            `json:"lang"`
	Extra map[string]string `json:"extra_attrs"`
}

func handleBatch(w http.ResponseWriter, r *http.Request, client *updateclient.UpdateClient, checkOnly bool) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.IDs) == 0 {
		http.Error(w, "ids is required", http.StatusBadRequest)
		return
	}

	meta := updatecontext.RequestMetadata{
		Brand:      req.Brand,
		AP:         req.AP,
		Lang:       req.Lang,
		ExtraAttrs: req.Extra,
	}

	var result updateclient.Result
	var err error
	if checkOnly {
		result, err = client.CheckForUpdate(r.Context(), req.IDs, meta)
	} else {
		result, err = client.Update(r.Context(), req.IDs, meta)
	}
	if err != nil {
		log.Error().Err(err).Msg("batch failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"completion":      result.Completion.String(),
		"retry_after_sec": result.RetryAfterSec,
		"items":           result.Items,
	})
}

type installRequest struct {
	ID string `json:"id"`
}

func handleInstall(w http.ResponseWriter, r *http.Request, client *updateclient.UpdateClient) {
	var req installRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	result, err := client.Install(r.Context(), req.ID, nil, nil)
	if err != nil {
		log.Error().Err(err).Str("id", req.ID).Msg("install failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"completion":      result.Completion.String(),
		"retry_after_sec": result.RetryAfterSec,
		"items":           result.Items,
	})
}

type pingRequest struct {
	ID        string `json:"id"`
	EventType int    `json:"event_type"`
}

// handlePing is the fire-and-forget install/uninstall telemetry hook
// (§4.1 send_ping) — distinct from the per-batch ping flush that already
// happens at the end of /update and /check.
func handlePing(w http.ResponseWriter, r *http.Request, client *updateclient.UpdateClient) {
	var req pingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	client.SendPing(req.ID, component.Event{EventType: req.EventType})
	w.WriteHeader(http.StatusAccepted)
}
