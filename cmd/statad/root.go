package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"statad/internal/config"
	"statad/internal/engine"
	"statad/internal/exec"
	"statad/internal/logging"
	"statad/internal/server/http"
	"statad/internal/session"
)

// Version is stamped by the release build.
var Version = "dev"

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// NewRootCommand builds the statad CLI.
func NewRootCommand() *cobra.Command {
	var (
		host         string
		port         int
		enginePath   string
		edition      string
		multiSession bool
		debug        bool
	)

	rootCmd := &cobra.Command{
		Use:   "statad",
		Short: "Execution control plane for a Stata console engine",
		Long: fmt.Sprintf(`%s runs user do-files and code selections against a stateful
Stata engine: one HTTP surface for blocking runs, SSE/websocket streaming,
tiered stop, and isolated multi-session mode.

Configuration is read from statad-config.{yaml,json} in $HOME or the
working directory, with STATAD_* environment overrides; flags win last.`,
			bold("statad "+Version)),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("engine-path") {
				cfg.EnginePath = enginePath
			}
			if cmd.Flags().Changed("edition") {
				cfg.Edition = edition
			}
			if cmd.Flags().Changed("multi-session") {
				cfg.MultiSession = multiSession
			}
			if cmd.Flags().Changed("debug") {
				cfg.Debug = debug
			}
			return serve(&cfg)
		},
	}

	rootCmd.PersistentFlags().StringVar(&host, "host", "localhost", "Listen host")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", 4000, "Listen port")
	rootCmd.PersistentFlags().StringVar(&enginePath, "engine-path", "", "Stata binary path (auto-detected when empty)")
	rootCmd.PersistentFlags().StringVar(&edition, "edition", "mp", "Stata edition (mp, se, be)")
	rootCmd.PersistentFlags().BoolVar(&multiSession, "multi-session", false, "Isolated engine per session")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Debug logging and gin debug mode")

	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}

func serve(cfg *config.Config) error {
	logger := logging.NewComponentLogger("Main")
	logger.Info("Starting statad %s", Version)

	metrics := exec.DefaultMetrics()

	var (
		router session.Router
		pool   *session.Pool
		eng    engine.Engine
	)
	sessionCfg := session.SingleConfig{
		LogDir:         cfg.LogDir,
		DefaultTimeout: cfg.DefaultTimeout,
		PollInterval:   cfg.PollInterval,
		BreakGrace:     cfg.BreakGrace,
		ResultGrace:    cfg.ResultGrace,
	}

	if cfg.MultiSession {
		factory := func(id string) (engine.Engine, error) {
			binary, err := engine.FindBinary(cfg.EnginePath, cfg.Edition)
			if err != nil {
				return nil, err
			}
			return engine.NewConsole(binary, logging.NewComponentLogger("Engine-"+id))
		}
		pool = session.NewPool(factory, session.PoolConfig{
			Session:     sessionCfg,
			MaxSessions: cfg.MaxSessions,
			IdleTTL:     cfg.SessionIdleTTL,
		}, metrics, logging.NewComponentLogger("Pool"))
		router = pool
		fmt.Printf("%s multi-session mode, up to %d isolated engines\n", cyan("▶"), cfg.MaxSessions)
	} else {
		binary, err := engine.FindBinary(cfg.EnginePath, cfg.Edition)
		if err != nil {
			// The server still comes up; submissions fail fast until an
			// engine is available.
			fmt.Printf("%s no engine binary found: %v\n", yellow("!"), err)
			logger.Warn("Engine unavailable: %v", err)
		} else {
			console, err := engine.NewConsole(binary, logging.NewComponentLogger("Engine"))
			if err != nil {
				return fmt.Errorf("start engine: %w", err)
			}
			defer console.Close()
			eng = console
			fmt.Printf("%s engine: %s\n", green("✓"), binary)
		}
		router = session.NewSingle(eng, sessionCfg, metrics, logging.NewComponentLogger("Session"))
	}

	srv, err := http.New(cfg, router, pool, eng, metrics, logging.NewComponentLogger("HTTP"))
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	fmt.Printf("%s listening on %s (logs in %s)\n", green("✓"), bold(cfg.Addr()), cfg.LogDir)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("Received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("Server stopped")
	return nil
}

// newConfigCommand prints the effective configuration.
func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("statad %s\n", Version)
		},
	}
}
