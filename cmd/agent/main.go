// Command agent is the endpoint agent's process entrypoint: foreground
// run, status query, and one-shot enrollment, dispatched from flags per
// the external CLI surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/endpointguard/agent/agent/identity"
	"github.com/endpointguard/agent/agent/runtime"
	"github.com/endpointguard/agent/agent/transport"
	"github.com/endpointguard/agent/config"
	"github.com/endpointguard/agent/internal/logging"
	"github.com/endpointguard/agent/internal/migration"
	"github.com/endpointguard/agent/internal/store"
	"github.com/endpointguard/agent/internal/tlsutil"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		runFlag          = fs.Bool("run", false, "run the agent in the foreground (default)")
		statusFlag       = fs.Bool("status", false, "print running or stopped and exit")
		configFile       = fs.String("config-file", "", "override config file path")
		registerAgent    = fs.Bool("register-agent", false, "run enrollment, then exit")
		url              = fs.String("url", "", "manager base URL (required with --register-agent)")
		user             = fs.String("user", "", "enrollment username (required with --register-agent)")
		password         = fs.String("password", "", "enrollment password (required with --register-agent)")
		key              = fs.String("key", "", "32 alphanumeric agent key (optional on enrollment)")
		name             = fs.String("name", "", "agent name (optional on enrollment)")
		verificationMode = fs.String("verification-mode", "", "none|certificate|full")
		migrate          = fs.String("migrate", "", "run a schema migration command (up|status) against the configured database.dsn, then exit; postgres/mysql only")
		help             = fs.Bool("help", false, "print usage")
	)

	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *help {
		printUsage()
		return 0
	}

	loader := config.NewLoader()
	if *configFile != "" {
		loader = loader.WithConfigPath(*configFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	if *verificationMode != "" {
		cfg.Agent.VerificationMode = *verificationMode
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		return 1
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, OutputPaths: cfg.Log.OutputPaths})
	defer logger.Sync()

	switch {
	case *migrate != "":
		return runMigrate(cfg, *migrate)
	case *registerAgent:
		return runRegister(logger, cfg, *url, *user, *password, *key, *name)
	case *statusFlag:
		return runStatus(logger, cfg)
	default:
		_ = *runFlag
		return runForeground(logger, cfg)
	}
}

// runMigrate applies or reports versioned schema migrations for a
// postgres/mysql deployment. Sqlite deployments have nothing to migrate:
// each component creates its own tables through gorm's AutoMigrate when it
// is opened (identity.Load, command.NewStore, queue.New).
func runMigrate(cfg *config.Config, command string) int {
	mig, err := migration.NewMigratorFromStoreConfig(store.Config{
		Driver: store.Driver(cfg.Database.Driver),
		DSN:    cfg.Database.DSN,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}
	defer mig.Close()

	cli := migration.NewCLI(mig)
	ctx := context.Background()

	switch command {
	case "up":
		err = cli.RunUp(ctx)
	case "status":
		err = cli.RunStatus(ctx)
	default:
		fmt.Fprintf(os.Stderr, "migrate: unknown command %q (want up|status)\n", command)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}
	return 0
}

func runForeground(logger *zap.Logger, cfg *config.Config) int {
	rt, err := runtime.New(cfg, logger)
	if err != nil {
		logger.Error("failed to start agent", zap.Error(err))
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rt.Run(ctx); err != nil {
		logger.Error("agent exited with error", zap.Error(err))
		return 1
	}
	return 0
}

func runStatus(logger *zap.Logger, cfg *config.Config) int {
	status, err := runtime.GetAgentStatus(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to determine status: %v\n", err)
		return 1
	}
	fmt.Println(status)
	return 0
}

func runRegister(logger *zap.Logger, cfg *config.Config, url, user, password, key, name string) int {
	if url == "" || user == "" || password == "" {
		fmt.Fprintln(os.Stderr, "--register-agent requires --url, --user and --password")
		return 1
	}
	if err := identity.ValidateKey(key); err != nil {
		fmt.Fprintf(os.Stderr, "--key: %v\n", err)
		return 1
	}

	st, err := store.Open(store.Config{
		Driver:              store.Driver(cfg.Database.Driver),
		Path:                cfg.Database.Path,
		DSN:                 cfg.Database.DSN,
		MaxIdleConns:        cfg.Database.MaxIdleConns,
		MaxOpenConns:        cfg.Database.MaxOpenConns,
		ConnMaxLifetime:     cfg.Database.ConnMaxLifetime.Dur(),
		HealthCheckInterval: cfg.Database.HealthCheckInterval.Dur(),
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		return 1
	}
	defer st.Close()

	id, err := identity.Load(st, "", "", nil, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load identity: %v\n", err)
		return 1
	}

	verificationMode := tlsutil.ParseMode(cfg.Agent.VerificationMode, logger)
	base, err := resolveBase(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --url: %v\n", err)
		return 1
	}

	client := transport.New(0, logger)
	ctx := context.Background()
	params := identity.EnrollParams{
		BaseParams:       base,
		User:             user,
		Password:         password,
		VerificationMode: verificationMode,
	}
	if err := id.Enroll(ctx, client, params, name, key, nil); err != nil {
		fmt.Fprintf(os.Stderr, "enrollment failed: %v\n", err)
		return 1
	}

	fmt.Println("enrollment successful")
	return 0
}

func resolveBase(serverURL string) (transport.Params, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return transport.Params{}, err
	}
	port, _ := strconv.Atoi(u.Port())
	return transport.Params{
		Host: u.Hostname(),
		Port: port,
		TLS:  u.Scheme == "https",
	}, nil
}

func printUsage() {
	fmt.Println(`agent - endpoint agent process

Usage:
  agent [options]

Options:
  --run                   run the agent in the foreground (default)
  --status                print running or stopped and exit
  --config-file <path>    override config file path
  --register-agent        run enrollment, then exit
  --url <url>             manager base URL (required with --register-agent)
  --user <user>           enrollment username (required with --register-agent)
  --password <password>   enrollment password (required with --register-agent)
  --key <key>             32 alphanumeric agent key (optional on enrollment)
  --name <name>           agent name (optional on enrollment)
  --verification-mode     none|certificate|full
  --migrate <up|status>   apply or report schema migrations, then exit (postgres/mysql only)
  --help                  print this message

Examples:
  agent --run
  agent --status
  agent --register-agent --url https://manager.example.com:55000 --user admin --password secret --name host1
  agent --migrate up`)
}
