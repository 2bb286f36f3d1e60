package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/TechVaseegrahHub/instaxbot/internal/config"
	"github.com/TechVaseegrahHub/instaxbot/internal/dispatch"
	"github.com/TechVaseegrahHub/instaxbot/internal/httpapi"
	"github.com/TechVaseegrahHub/instaxbot/internal/platform"
	"github.com/TechVaseegrahHub/instaxbot/internal/realtime"
	"github.com/TechVaseegrahHub/instaxbot/internal/tenantdir"
)

func main() {
	_ = godotenv.Load()

	addr := os.Getenv("INSTAXBOT_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	cfg, err := config.Load(os.Getenv("INSTAXBOT_CONFIG_FILE"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	directory, tokens, closeDirectory, err := buildDirectoryFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize tenant directory: %v", err)
	}
	defer closeDirectory()

	var engagementStore dispatch.EngagementStore
	if dsn := os.Getenv("INSTAXBOT_POSTGRES_DSN"); dsn != "" {
		store, err := dispatch.NewPostgresEngagementStore(dsn)
		if err != nil {
			log.Fatalf("failed to initialize engagement store: %v", err)
		}
		defer store.Close()
		engagementStore = store
	}

	hub := realtime.NewHub(log.Default())
	defer hub.Close()

	client := platform.NewClient(os.Getenv("INSTAXBOT_GRAPH_API_URL"), tokens, &http.Client{
		Timeout: durationEnv("INSTAXBOT_GRAPH_API_TIMEOUT", 15*time.Second),
	})

	dispatcher, err := dispatch.NewDispatcher(dispatch.Options{
		Directory:       directory,
		EngagementStore: engagementStore,
		Sender:          dispatch.NewPlatformSender(client),
		Hub:             hub,
		Logger:          log.Default(),
		LimitOverrides:  cfg.LimitOverrides(),
	})
	if err != nil {
		log.Fatalf("failed to build dispatcher: %v", err)
	}
	defer dispatcher.Close()

	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 30*time.Second)
	if err := dispatcher.Load(loadCtx); err != nil {
		log.Printf("engagement preload failed, starting with empty window: %v", err)
	}
	cancelLoad()

	server := &http.Server{
		Addr: addr,
		Handler: httpapi.NewServer(dispatcher, hub, httpapi.ServerConfig{
			VerifyToken:   os.Getenv("INSTAXBOT_VERIFY_TOKEN"),
			AppSecret:     os.Getenv("INSTAXBOT_APP_SECRET"),
			WSTokenSecret: os.Getenv("INSTAXBOT_WS_TOKEN_SECRET"),
			MaxBodyBytes:  int64Env("INSTAXBOT_MAX_BODY_BYTES", 0),
		}),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("instaxbot listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func buildDirectoryFromEnv() (dispatch.TenantDirectory, platform.TokenSource, func(), error) {
	if dsn := os.Getenv("INSTAXBOT_TENANTS_DSN"); dsn != "" {
		dir, err := tenantdir.NewPostgresDirectory(dsn)
		if err != nil {
			return nil, nil, nil, err
		}
		return dir, dir, func() { _ = dir.Close() }, nil
	}
	path := os.Getenv("INSTAXBOT_TENANTS_FILE")
	if path == "" {
		path = "tenants.json"
	}
	dir, err := tenantdir.NewFileDirectory(path, log.Default())
	if err != nil {
		return nil, nil, nil, err
	}
	if err := dir.Watch(); err != nil {
		log.Printf("tenant directory watch disabled: %v", err)
	}
	return dir, dir, func() { _ = dir.Close() }, nil
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
