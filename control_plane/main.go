package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ycopyer/yumna-panel-sub002/control_plane/auth"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/config"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/deploy"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/dispatch"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/health"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/logging"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/middleware"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/resolver"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/secret"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/sshx"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/store"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/streaming"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/tunnel"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger := logging.Init(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File, JSON: cfg.Log.JSON})

	if err := run(cfg, logger); err != nil {
		logger.Error("control plane exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Node registry
	var s store.Store
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrating database: %w", err)
		}
		s = pg
		logger.Info("using postgres node registry")
	} else {
		s = store.NewMemoryStore()
		logger.Warn("no database configured, node registry is in-memory and ephemeral")
	}
	if err := ensureLocalNode(ctx, s, cfg.Agent.LocalSecret, logger); err != nil {
		return err
	}

	// Credential cipher
	var cipher secret.Cipher
	if cfg.Secrets.Key != "" {
		c, err := secret.NewAgeCipher(cfg.Secrets.Key)
		if err != nil {
			return err
		}
		cipher = c
	} else {
		logger.Warn("secrets.key not set, ssh credentials are stored unencrypted")
		cipher = secret.Plaintext{}
	}

	// Caller tokens
	jwtSecret := cfg.Server.JWTSecret
	if jwtSecret == "" {
		jwtSecret = ephemeralSecret()
		logger.Warn("server.jwt_secret not set, using a per-process secret")
	}
	tokens, err := auth.NewTokens(jwtSecret, 0)
	if err != nil {
		return fmt.Errorf("jwt: %w", err)
	}

	// Events
	var downstream streaming.Publisher
	if cfg.Redis.Addr != "" {
		rp, err := streaming.NewRedisPublisher(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		downstream = rp
		logger.Info("publishing events to redis", "addr", cfg.Redis.Addr)
	} else {
		downstream = streaming.NewLogPublisher(logger)
	}
	hub := NewEventHub(downstream, logger)
	defer hub.Close()
	go hub.Run(ctx)

	// Core
	tunnels := tunnel.NewManager(s, tunnel.Options{
		RequestTimeout: cfg.Tunnel.RequestTimeout,
		ShellCapacity:  cfg.Tunnel.ShellCapacity,
		HeartbeatRate:  cfg.Tunnel.HeartbeatRate,
		HeartbeatBurst: cfg.Tunnel.HeartbeatBurst,
		Logger:         logger,
	})
	defer tunnels.Shutdown()
	agentConnect := tunnel.NewHandler(tunnels, tunnel.HandlerOptions{
		HandshakeRate:  cfg.Tunnel.HandshakeRate,
		HandshakeBurst: cfg.Tunnel.HandshakeBurst,
		Logger:         logger,
	})

	sshDialer := sshx.NewDialer(sshx.DefaultTimeout)

	res := resolver.New(s, cipher, resolver.Options{
		LocalAgentURL:    cfg.Agent.LocalURL,
		AgentPort:        cfg.Agent.Port,
		PlatformRoot:     cfg.Agent.PlatformRoot,
		UserRootTemplate: cfg.Agent.UserRootTemplate,
		Logger:           logger,
	})
	dispatcher := dispatch.New(tunnels, dispatch.Options{
		SSH:    sshDialer,
		Logger: logger,
	})

	monitor := health.NewMonitor(s, tunnels, health.NewNetProbe(sshDialer, cfg.Health.ProbeTimeout), hub, cipher, health.Options{
		Interval:      cfg.Health.Interval,
		StartDelay:    cfg.Health.StartDelay,
		LocalAgentURL: cfg.Agent.LocalURL,
		AgentPort:     cfg.Agent.Port,
		PingPorts:     cfg.Health.PingPorts,
		Logger:        logger,
	})
	monitor.Start(ctx)

	deployer := deploy.New(s, sshDialer, cipher, tunnels, deploy.Options{
		ControlPlaneURL: cfg.Agent.PanelURL,
		SourceDir:       cfg.Agent.SourceDir,
		InstallDir:      cfg.Agent.InstallDir,
		Version:         cfg.Agent.Version,
		AgentPort:       cfg.Agent.Port,
		Publisher:       hub,
		Logger:          logger,
	})
	defer deployer.Wait()

	api := NewAPI(s, tunnels, res, dispatcher, deployer, cipher, hub, logger)
	handler := middleware.CORSMiddleware(cfg.Server.AllowedOrigin)(
		api.Routes(middleware.AuthMiddleware(tokens), agentConnect),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Startup Banner
	fmt.Println("==================================================")
	fmt.Println("  YUMNA PANEL CONTROL PLANE")
	fmt.Println("==================================================")
	fmt.Printf("Environment:        %s\n", cfg.Environment)
	fmt.Printf("Listen:             %s\n", cfg.Server.Addr)
	fmt.Printf("Registry:           %s\n", registryKind(cfg))
	fmt.Printf("Health Interval:    %s\n", cfg.Health.Interval)
	fmt.Printf("Tunnel Timeout:     %s\n", cfg.Tunnel.RequestTimeout)
	fmt.Println("==================================================")

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control plane listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// ensureLocalNode registers the node colocated with the control plane on first start.
func ensureLocalNode(ctx context.Context, s store.Store, agentSecret string, logger *slog.Logger) error {
	local, err := s.GetLocalNode(ctx)
	if err != nil {
		return fmt.Errorf("loading local node: %w", err)
	}
	if local != nil {
		return nil
	}
	if agentSecret == "" {
		agentSecret = ephemeralSecret()
	}
	node := &store.Node{
		ID:             uuid.NewString(),
		Name:           "local",
		Host:           "127.0.0.1",
		IsLocal:        true,
		ConnectionMode: store.ModeDirect,
		AgentSecret:    agentSecret,
		SSHPort:        22,
		Status:         store.StatusUnknown,
	}
	if err := s.CreateNode(ctx, node); err != nil {
		return fmt.Errorf("registering local node: %w", err)
	}
	logger.Info("registered local node", "node_id", node.ID)
	return nil
}

func ephemeralSecret() string {
	s, err := newAgentSecret()
	if err != nil {
		panic(err)
	}
	return s
}

func registryKind(cfg *config.Config) string {
	if cfg.Database.URL != "" {
		return "postgres"
	}
	return "memory"
}
