// coderelay is a desktop-resident daemon that bridges a remote chat
// transport to a local AI coding-assistant CLI. This binary hosts the
// session orchestration engine; the chat transport itself attaches through
// the line-delimited JSON surface on stdin/stdout.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"coderelay/internal/approval"
	"coderelay/internal/bridge"
	"coderelay/internal/config"
	"coderelay/internal/logging"
	"coderelay/internal/orchestrator"
	"coderelay/internal/session"
	"coderelay/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version = "0.3.0"

	cfgPath   string
	debugMode bool
	logger    *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "coderelay",
	Short: "Bridge a remote chat transport to a local coding-assistant CLI",
	Long: `coderelay runs a desktop-resident daemon that lets a single user drive
long-running coding sessions from a remote chat client. Sessions are durable:
they survive daemon crashes and restarts, and destructive operations are
gated behind explicit approval.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if debugMode {
			zcfg = zap.NewDevelopmentConfig()
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Sync()
		}
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the relay daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show persisted sessions and bindings",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus()
	},
}

var bindCmd = &cobra.Command{
	Use:   "bind <channel-id> <project-path>",
	Short: "Bind a chat channel to a project directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBind(args[0], args[1])
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the coderelay version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("coderelay", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")
	rootCmd.AddCommand(daemonCmd, statusCmd, bindCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func setup() (config.Config, *store.Store, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return cfg, nil, err
	}
	if debugMode {
		cfg.Logging.Debug = true
		cfg.Logging.Level = "debug"
	}

	if err := logging.Initialize(logging.Options{
		Dir:        cfg.LogDir(),
		Debug:      cfg.Logging.Debug,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return cfg, nil, err
	}

	st, err := store.Open(cfg.StorePath(), store.Options{
		BusyTimeoutMS: cfg.Store.BusyTimeoutMS,
		WriteRetries:  cfg.Store.WriteRetries,
	})
	if err != nil {
		return cfg, nil, err
	}
	return cfg, st, nil
}

func runDaemon() error {
	cfg, st, err := setup()
	if err != nil {
		return err
	}
	defer st.Close()
	defer logging.Close()

	logger.Info("coderelay starting",
		zap.String("version", version),
		zap.String("store", st.Path()))
	logging.Boot("coderelay %s starting", version)

	// Crash recovery runs synchronously before any command is accepted.
	report, err := orchestrator.RunRecovery(st)
	if err != nil {
		return fmt.Errorf("crash recovery: %w", err)
	}
	logger.Info("crash recovery complete",
		zap.Int("scanned", report.Scanned),
		zap.Int("recovered", report.Recovered),
		zap.Int("failed", report.Failed))

	classifier := approval.NewClassifier()
	var watcher *approval.PolicyWatcher
	if path := cfg.PolicyPath(); path != "" {
		watcher, err = approval.NewPolicyWatcher(path, classifier)
		if err != nil {
			logger.Warn("approval policy unavailable, using built-in table", zap.Error(err))
		} else if err := watcher.Start(); err != nil {
			logger.Warn("approval policy watch failed", zap.Error(err))
		}
	}

	gate := approval.NewGate(st, classifier, cfg.Approval.TimeoutDuration())

	transport := newStdioTransport(os.Stdin, os.Stdout)

	orch := orchestrator.New(st, gate, transport.Reply, orchestrator.Config{
		Bridge: bridge.Options{
			Command:      cfg.Bridge.Command,
			Args:         cfg.Bridge.Args,
			OutputBuffer: cfg.Bridge.OutputBuffer,
			StopTimeout:  cfg.Bridge.StopTimeoutDuration(),
		},
		QueueSize:    cfg.Session.QueueSize,
		IdleEviction: cfg.Session.IdleEvictionDuration(),
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	transportDone := make(chan struct{})
	go func() {
		defer close(transportDone)
		transport.Serve(orch)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case <-transportDone:
		logger.Info("transport closed, shutting down")
	}

	if watcher != nil {
		watcher.Stop()
	}
	if err := orch.Close(); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	logging.Boot("coderelay stopped")
	return nil
}

func runStatus() error {
	_, st, err := setup()
	if err != nil {
		return err
	}
	defer st.Close()
	defer logging.Close()

	bindings, err := st.Bindings()
	if err != nil {
		return err
	}
	fmt.Printf("Bindings (%d):\n", len(bindings))
	for _, b := range bindings {
		fmt.Printf("  %s -> %s\n", b.ChannelID, b.ProjectPath)
	}

	sessions, err := st.SessionsByStatus(
		session.StatusCreated, session.StatusInitializing, session.StatusActive,
		session.StatusSuspended, session.StatusCrashed)
	if err != nil {
		return err
	}
	fmt.Printf("Sessions (%d):\n", len(sessions))
	for _, sess := range sessions {
		fmt.Printf("  %s  %-12s %s (last active %s)\n",
			sess.ID, sess.Status, sess.ProjectPath,
			sess.LastActiveAt.Format("2006-01-02 15:04:05"))
	}

	emergency, err := st.EmergencyState()
	if err != nil {
		return err
	}
	if emergency.Active {
		fmt.Printf("Emergency mode: ACTIVE (by %s at %s)\n",
			emergency.ActivatedBy, emergency.ActivatedAt.Format("2006-01-02 15:04:05"))
	} else {
		fmt.Println("Emergency mode: off")
	}

	pending, err := st.PendingApprovals()
	if err != nil {
		return err
	}
	fmt.Printf("Pending approvals (%d):\n", len(pending))
	for _, req := range pending {
		fmt.Printf("  %s  %s on %s (session %s)\n",
			req.ID, req.Invocation.Tool, req.Invocation.Target, req.SessionID)
	}
	return nil
}

func runBind(channelID, projectPath string) error {
	_, st, err := setup()
	if err != nil {
		return err
	}
	defer st.Close()
	defer logging.Close()

	if err := st.BindProject(channelID, projectPath); err != nil {
		return err
	}
	fmt.Printf("Bound %s -> %s\n", channelID, projectPath)
	return nil
}
