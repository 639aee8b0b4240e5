// Command livelabs runs the sandbox orchestrator: it serves the control
// API, drives script execution and app-container lifecycle through the
// Docker engine, and sweeps periodically to reconcile state and prune
// unused images.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/livelabs/sandbox-core/internal/appcontainer"
	"github.com/livelabs/sandbox-core/internal/auth"
	"github.com/livelabs/sandbox-core/internal/config"
	"github.com/livelabs/sandbox-core/internal/docker"
	"github.com/livelabs/sandbox-core/internal/engine"
	"github.com/livelabs/sandbox-core/internal/events"
	"github.com/livelabs/sandbox-core/internal/initrun"
	"github.com/livelabs/sandbox-core/internal/logging"
	"github.com/livelabs/sandbox-core/internal/notify"
	"github.com/livelabs/sandbox-core/internal/proxy"
	"github.com/livelabs/sandbox-core/internal/reconcile"
	"github.com/livelabs/sandbox-core/internal/registry"
	"github.com/livelabs/sandbox-core/internal/runner"
	"github.com/livelabs/sandbox-core/internal/store"
	"github.com/livelabs/sandbox-core/internal/tty"
	"github.com/livelabs/sandbox-core/internal/web"
)

var version = "dev"
var commit = "unknown"

func versionString() string {
	return fmt.Sprintf("%s (%s)", version, commit)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if os.Getenv("LIVELABS_COOKIE_SECURE") == "" {
		cfg.CookieSecure = cfg.TLSEnabled()
	}
	log := logging.New(cfg.LogJSON)

	fmt.Println("LiveLabs Sandbox Orchestrator " + versionString())
	fmt.Println("=============================================")
	fmt.Printf("LIVELABS_DB_PATH=%s\n", cfg.DBPath)
	fmt.Printf("LIVELABS_WEB_PORT=%s\n", cfg.WebPort)
	fmt.Printf("LIVELABS_WEB_ENABLED=%t\n", cfg.WebEnabled)
	fmt.Printf("LIVELABS_METRICS=%t\n", cfg.MetricsEnabled)
	fmt.Printf("LIVELABS_RECONCILE_SCHEDULE=%s\n", cfg.ReconcileSchedule)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.EnsureAuthBuckets(); err != nil {
		log.Error("failed to create auth buckets", "error", err)
		os.Exit(1)
	}
	if err := db.SeedBuiltinRoles(); err != nil {
		log.Error("failed to seed built-in roles", "error", err)
		os.Exit(1)
	}

	client, err := docker.NewClient(cfg.DockerSock, nil)
	if err != nil {
		log.Error("failed to create Docker client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	images := engine.NewImageManager(client, log.Logger, db)
	if creds := parseRegistryAuth(cfg.RegistryAuth); len(creds) > 0 {
		images.SetRegistryCredentials(creds)
		log.Info("private registry credentials configured", "count", len(creds))
	}
	run := runner.New(client, images, log.Logger)
	appContainers := appcontainer.New(client, images, db, log.Logger)
	initOrch := initrun.New(run, db, log.Logger)
	terminal := tty.New(client, images, db, log.Logger, nil)

	embedProxy, err := proxy.New(cfg.ProxyAllowlist(), log.Logger)
	if err != nil {
		log.Error("failed to build embedding proxy", "error", err)
		os.Exit(1)
	}

	bus := events.New()

	var notifiers []notify.Notifier
	notifiers = append(notifiers, notify.NewLogNotifier(log))
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.WebhookURL, parseHeaders(cfg.WebhookHeaders)))
		log.Info("webhook notifications enabled", "url", cfg.WebhookURL)
	}
	if cfg.MQTTBroker != "" {
		notifiers = append(notifiers, notify.NewMQTT(cfg.MQTTBroker, cfg.MQTTTopic, cfg.MQTTClientID, cfg.MQTTUsername, cfg.MQTTPassword, cfg.MQTTQoS))
		log.Info("MQTT notifications enabled", "broker", cfg.MQTTBroker)
	}
	notifier := notify.NewMulti(log, notifiers...)

	authSvc := auth.NewService(auth.ServiceConfig{
		Users:          db,
		Sessions:       db,
		Roles:          db,
		Tokens:         db,
		Settings:       db,
		PendingTOTP:    db,
		Log:            log.Logger,
		CookieSecure:   cfg.CookieSecure,
		SessionExpiry:  cfg.SessionExpiry,
		AuthEnabledEnv: cfg.AuthEnabled,
	})
	if cfg.WebAuthnEnabled() {
		authSvc.WebAuthnCreds = db
	}

	sweeper := reconcile.New(db, appContainers, images, log.Logger)
	if err := sweeper.Start(cfg.ReconcileSchedule); err != nil {
		log.Error("failed to start reconciliation sweep", "error", err)
		os.Exit(1)
	}

	srv := web.NewServer(web.Dependencies{
		Store:         db,
		Engine:        client,
		Runner:        run,
		AppContainers: appContainers,
		Init:          initOrch,
		Terminal:      terminal,
		Proxy:         embedProxy,
		Events:        bus,
		Auth:          authSvc,
		Notify:        notifier,
		Log:           log.Logger,
		TLSCert:       cfg.TLSCert,
		TLSKey:        cfg.TLSKey,
	})

	if cfg.WebEnabled {
		go func() {
			addr := net.JoinHostPort("", cfg.WebPort)
			if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("web server error", "error", err)
			}
		}()

		go func() {
			ticker := time.NewTicker(1 * time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					n, cleanErr := authSvc.CleanupExpiredSessions()
					if cleanErr != nil {
						log.Warn("session cleanup failed", "error", cleanErr)
					} else if n > 0 {
						log.Info("cleaned up expired sessions", "count", n)
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	log.Info("livelabs started", "version", version, "commit", commit)

	<-ctx.Done()
	log.Info("shutting down")

	sweeper.Stop()
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn("web server shutdown error", "error", err)
	}

	log.Info("livelabs shutdown complete")
}

// parseRegistryAuth parses comma-separated "host=user:secret" triples into
// registry credentials keyed by host.
func parseRegistryAuth(raw string) []registry.RegistryCredential {
	if raw == "" {
		return nil
	}
	var creds []registry.RegistryCredential
	for _, triple := range strings.Split(raw, ",") {
		host, rest, ok := strings.Cut(strings.TrimSpace(triple), "=")
		if !ok {
			continue
		}
		user, secret, ok := strings.Cut(rest, ":")
		if !ok {
			continue
		}
		creds = append(creds, registry.RegistryCredential{
			ID: host, Registry: strings.TrimSpace(host), Username: user, Secret: secret,
		})
	}
	return creds
}

// parseHeaders parses comma-separated "Key:Value" pairs.
func parseHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	if raw == "" {
		return headers
	}
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok {
			continue
		}
		headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return headers
}
