package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gluk-w/claworc/console-gateway/internal/batch"
	"github.com/gluk-w/claworc/console-gateway/internal/config"
	"github.com/gluk-w/claworc/console-gateway/internal/console"
	"github.com/gluk-w/claworc/console-gateway/internal/crypto"
	"github.com/gluk-w/claworc/console-gateway/internal/database"
	"github.com/gluk-w/claworc/console-gateway/internal/handlers"
	"github.com/gluk-w/claworc/console-gateway/internal/jobs"
	"github.com/gluk-w/claworc/console-gateway/internal/logging"
	"github.com/gluk-w/claworc/console-gateway/internal/targets"
	"github.com/gluk-w/claworc/console-gateway/internal/transport"
	"github.com/gluk-w/claworc/console-gateway/internal/upstream"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
)

// gateway holds the wired components shared by the server and the CLI.
type gateway struct {
	sessions *console.Manager
	runner   *jobs.Runner
	executor *batch.Executor
}

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--run-batch":
			runBatchCommand()
			return
		case "--encrypt-password":
			runEncryptCommand()
			return
		}
	}

	config.Load()
	logging.Init(config.Cfg.LogPath)
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	gw, err := newGateway()
	if err != nil {
		log.Fatalf("Gateway init: %v", err)
	}

	c := cron.New()
	if err := gw.sessions.ScheduleSweeps(c, config.Cfg.SweepSchedule); err != nil {
		log.Fatalf("Session sweeps: %v", err)
	}
	retention := config.Duration(config.Cfg.HistoryRetention, 24*time.Hour)
	if err := gw.runner.ScheduleRetention(c, "@every 10m", retention); err != nil {
		log.Fatalf("Job retention: %v", err)
	}
	c.Start()

	api := &handlers.API{
		Sessions: gw.sessions,
		Jobs:     gw.runner,
		Batch:    gw.executor,
	}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", api.Health)
	r.Route("/api/v1", api.Routes)

	// Graceful shutdown
	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	<-c.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	if err := gw.runner.Wait(shutdownCtx); err != nil {
		log.Printf("Jobs still running at shutdown: %v", err)
	}
	gw.sessions.CloseAll()
	log.Println("Server stopped")
}

// newGateway builds the resolver chain, session manager, job runner and
// batch executor from config.Cfg. database.Init must have run.
func newGateway() (*gateway, error) {
	var chain targets.Chain

	var sealer *crypto.Sealer
	if config.Cfg.FernetKey != "" {
		s, err := crypto.NewSealer(config.Cfg.FernetKey)
		if err != nil {
			return nil, fmt.Errorf("fernet key: %w", err)
		}
		sealer = s
	}
	if config.Cfg.InventoryPath != "" {
		inv, err := targets.LoadInventory(config.Cfg.InventoryPath, sealer)
		if err != nil {
			return nil, err
		}
		chain = append(chain, inv)
	}

	var topology batch.Topology
	if config.Cfg.UpstreamURL != "" {
		client := upstream.New(config.Cfg.UpstreamURL, config.Cfg.UpstreamProject, config.Cfg.UpstreamToken)
		chain = append(chain, client)
		topology = client
		log.Printf("Upstream platform: %s (project %s)", config.Cfg.UpstreamURL, config.Cfg.UpstreamProject)
	}
	if len(chain) == 0 {
		log.Printf("WARNING: no inventory or upstream configured; only explicit connection parameters will work")
	}

	maxSize, trimSize, err := config.Cfg.BufferLimits()
	if err != nil {
		return nil, err
	}
	opts := console.Options{
		TTL:              config.Duration(config.Cfg.SessionTTL, console.DefaultTTL),
		StaleGrace:       config.Duration(config.Cfg.StaleGrace, 10*time.Minute),
		DrainInterval:    config.Duration(config.Cfg.DrainInterval, 50*time.Millisecond),
		WaitPollInterval: config.Duration(config.Cfg.WaitPollInterval, 500*time.Millisecond),
		BufferMaxSize:    int(maxSize),
		BufferTrimSize:   int(trimSize),
		PromptPattern:    config.Cfg.PromptPattern,
	}
	dialer := &transport.NetDialer{
		Timeout:        config.Duration(config.Cfg.ConnectTimeout, 10*time.Second),
		KnownHostsPath: config.Cfg.KnownHostsPath,
	}
	sessions := console.NewManager(chain, dialer, opts)
	log.Printf("Session manager initialized (ttl=%s, buffer=%d/%d bytes)", opts.TTL, maxSize, trimSize)

	runner := jobs.NewRunner(jobs.NewStore(database.DB), sessions)
	executor := batch.NewExecutor(sessions, runner, chain, topology)

	return &gateway{sessions: sessions, runner: runner, executor: executor}, nil
}

// runBatchCommand executes a YAML or JSON batch file once and prints the
// result as JSON. The exit status is non-zero when any operation failed.
func runBatchCommand() {
	fs := flag.NewFlagSet("run-batch", flag.ExitOnError)
	file := fs.String("file", "", "Batch file (YAML or JSON)")
	fs.Parse(os.Args[2:])
	if *file == "" && fs.NArg() > 0 {
		*file = fs.Arg(0)
	}
	if *file == "" {
		fmt.Fprintln(os.Stderr, "Usage: console-gateway --run-batch --file <batch.yaml>")
		os.Exit(1)
	}

	config.Load()
	logging.Init(config.Cfg.LogPath)
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	gw, err := newGateway()
	if err != nil {
		log.Fatalf("Gateway init: %v", err)
	}
	defer gw.sessions.CloseAll()

	ops, err := batch.LoadFile(*file)
	if err != nil {
		log.Fatalf("Load batch: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := gw.executor.Execute(ctx, ops)
	if err != nil {
		log.Fatalf("Batch rejected: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		log.Fatalf("Encode result: %v", err)
	}
	if len(res.Failed) > 0 {
		os.Exit(2)
	}
}

// runEncryptCommand prints the Fernet token for a password so it can be
// stored in the inventory under password_enc.
func runEncryptCommand() {
	fs := flag.NewFlagSet("encrypt-password", flag.ExitOnError)
	password := fs.String("password", "", "Password to encrypt")
	fs.Parse(os.Args[2:])

	if *password == "" {
		fmt.Fprintln(os.Stderr, "Usage: console-gateway --encrypt-password --password <pass>")
		os.Exit(1)
	}

	config.Load()
	if config.Cfg.FernetKey == "" {
		log.Fatalf("CONSOLEGW_FERNET_KEY is not set")
	}
	sealer, err := crypto.NewSealer(config.Cfg.FernetKey)
	if err != nil {
		log.Fatalf("Fernet key: %v", err)
	}
	token, err := sealer.Encrypt(*password)
	if err != nil {
		log.Fatalf("Encrypt: %v", err)
	}
	fmt.Println(token)
}
