// Package runtime wires every component into the agent process described
// by spec §2's control flow: acquire the instance lock, load configuration,
// open persistence, construct the queue and command store, start the task
// manager, launch the communicator and module coroutines, open the control
// channel, wait for a termination signal, and shut everything down in
// reverse order.
package runtime

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/endpointguard/agent/agent/command"
	"github.com/endpointguard/agent/agent/communicator"
	"github.com/endpointguard/agent/agent/control"
	"github.com/endpointguard/agent/agent/groups"
	"github.com/endpointguard/agent/agent/identity"
	"github.com/endpointguard/agent/agent/instance"
	"github.com/endpointguard/agent/agent/module"
	"github.com/endpointguard/agent/agent/queue"
	"github.com/endpointguard/agent/agent/restart"
	"github.com/endpointguard/agent/agent/scheduler"
	"github.com/endpointguard/agent/agent/transport"
	"github.com/endpointguard/agent/config"
	"github.com/endpointguard/agent/internal/metrics"
	"github.com/endpointguard/agent/internal/migration"
	"github.com/endpointguard/agent/internal/store"
	"github.com/endpointguard/agent/internal/telemetry"
	"github.com/endpointguard/agent/internal/tlsutil"
)

// Runtime owns every long-lived component of the agent process and
// implements control.Handler for the local control channel.
type Runtime struct {
	cfg    *config.Config
	logger *zap.Logger

	lock       *instance.Lock
	st         *store.Store
	q          *queue.Queue
	cmdStore   *command.Store
	cmdHandler *command.Handler
	sched      *scheduler.Scheduler
	id         *identity.Identity
	client     *transport.Client
	comm       *communicator.Communicator
	modules    *module.Manager
	controlCh  *control.Channel
	debugSrv   *control.DebugServer
	collector  *metrics.Collector
	telemetry  *telemetry.Providers

	stopOnce sync.Once
	cancel   context.CancelFunc
}

// New constructs every component but starts none of them; call Run to
// start and block until shutdown.
func New(cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	r := &Runtime{cfg: cfg, logger: logger}
	r.collector = metrics.NewCollector("agent", nil)

	tp, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("telemetry init failed, continuing without it", zap.Error(err))
		tp = &telemetry.Providers{}
	}
	r.telemetry = tp

	lock, err := instance.Acquire(filepath.Join(cfg.Agent.Path.Run, "agent.lock"), logger)
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}
	r.lock = lock

	storeCfg := store.Config{
		Driver:              store.Driver(cfg.Database.Driver),
		Path:                cfg.Database.Path,
		DSN:                 cfg.Database.DSN,
		MaxIdleConns:        cfg.Database.MaxIdleConns,
		MaxOpenConns:        cfg.Database.MaxOpenConns,
		ConnMaxLifetime:     cfg.Database.ConnMaxLifetime.Dur(),
		HealthCheckInterval: cfg.Database.HealthCheckInterval.Dur(),
	}

	if mig, err := migration.NewMigratorFromStoreConfig(storeCfg); err == nil {
		migErr := mig.Up(context.Background())
		_ = mig.Close()
		if migErr != nil {
			_ = lock.Close()
			return nil, fmt.Errorf("runtime: apply schema migrations: %w", migErr)
		}
		logger.Info("schema migrations applied", zap.String("driver", string(storeCfg.Driver)))
	}

	st, err := store.Open(storeCfg, logger)
	if err != nil {
		_ = lock.Close()
		return nil, fmt.Errorf("runtime: open store: %w", err)
	}
	r.st = st

	q, err := queue.New(st, queue.Config{
		Stateful:    queue.Budget{MaxCount: cfg.Queue.MaxCountStateful, MaxBytes: int64(cfg.Queue.MaxBytesStateful)},
		Stateless:   queue.Budget{MaxCount: cfg.Queue.MaxCountStateless, MaxBytes: int64(cfg.Queue.MaxBytesStateless)},
		Command:     queue.Budget{MaxCount: cfg.Queue.MaxCountCommand, MaxBytes: int64(cfg.Queue.MaxBytesCommand)},
		WaitTimeout: cfg.Queue.WaitTimeout.Dur(),
		Backend:     cfg.Queue.Backend,
		RedisCfg: queue.RedisConfig{
			Addr:     cfg.Queue.RedisCfg.Addr,
			Password: cfg.Queue.RedisCfg.Password,
			DB:       cfg.Queue.RedisCfg.DB,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("runtime: open queue: %w", err)
	}
	q.WithMetrics(r.collector)
	r.q = q

	cmdStore, err := command.NewStore(st, logger)
	if err != nil {
		return nil, fmt.Errorf("runtime: open command store: %w", err)
	}
	r.cmdStore = cmdStore

	id, err := identity.Load(st, cfg.Agent.Name, cfg.Agent.Key, cfg.Agent.Group, logger)
	if err != nil {
		return nil, fmt.Errorf("runtime: load identity: %w", err)
	}
	r.id = id

	verificationMode := tlsutil.ParseMode(cfg.Agent.VerificationMode, logger)
	base, err := resolveBase(cfg.Agent.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("runtime: parse server_url: %w", err)
	}

	endpoint := identity.DeriveEndpointInfo()
	r.client = transport.New(0, logger).WithMetrics(r.collector)

	r.sched = scheduler.New(logger)

	restartHandler := restart.New(func(ctx context.Context) error { return r.Stop(ctx) }, logger)
	groupsHandler := groups.New(groups.Config{
		SetIDs:    id.SetGroups,
		GetIDs:    id.GetGroups,
		TmpDir:    filepath.Join(cfg.Agent.Path.Data, "tmp"),
		SharedDir: filepath.Join(cfg.Agent.Path.Data, "shared"),
	}, logger)

	r.modules = module.New(q, r.sched, logger)
	if err := r.modules.Add(&restartModule{handler: restartHandler}); err != nil {
		return nil, err
	}
	if err := r.modules.Add(&agentInfoModule{id: id}); err != nil {
		return nil, err
	}
	if err := r.modules.Add(&centralizedConfigModule{handler: groupsHandler}); err != nil {
		return nil, err
	}

	r.cmdHandler = command.NewHandler(cmdStore, q, r.modules.Execute, logger).WithMetrics(r.collector)

	info, err := id.Get(context.Background())
	if err != nil {
		return nil, fmt.Errorf("runtime: read identity: %w", err)
	}

	r.comm = communicator.New(r.client, q, base, communicator.Credentials{
		UUID: info.UUID,
		Key:  info.Key,
	}, communicator.Config{
		ServerURL:        cfg.Agent.ServerURL,
		VerificationMode: verificationMode,
		RetryInterval:    cfg.Agent.RetryInterval.Dur(),
		BatchInterval:    cfg.Events.BatchInterval.Dur(),
		BatchSizeBytes:   int(cfg.Events.BatchSize),
		UserAgent:        identity.UserAgent(endpoint),
	}, logger).WithMetrics(r.collector)

	r.controlCh = control.New(filepath.Join(cfg.Agent.Path.Run, cfg.Control.SocketName), r, logger)
	if cfg.Control.DebugListen != "" {
		r.debugSrv = control.NewDebugServer(cfg.Control.DebugListen, r, logger)
	}

	return r, nil
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

// Run starts the task manager, the communicator and module coroutines, and
// the control channel, then blocks until ctx is cancelled or Stop is
// called, at which point it shuts everything down in reverse order.
func (r *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	defer cancel()

	if err := r.sched.StartThreadPool(8); err != nil {
		return err
	}

	if err := r.modules.Setup(ctx, r.cfg.Modules); err != nil {
		return err
	}
	if err := r.modules.Start(); err != nil {
		return err
	}

	_ = r.sched.EnqueueTask("command_handler", r.cmdHandler.Run)
	_ = r.sched.EnqueueTask("communicator", r.comm.Run)
	go func() { _ = r.controlCh.Run(ctx) }()
	if r.debugSrv != nil {
		go func() { _ = r.debugSrv.Run(ctx) }()
	}

	<-ctx.Done()
	return r.shutdown(context.Background())
}

func (r *Runtime) shutdown(ctx context.Context) error {
	_ = r.modules.Stop(ctx)
	r.sched.Stop()
	if err := r.st.Close(); err != nil {
		r.logger.Warn("failed to close store", zap.Error(err))
	}
	if err := r.lock.Close(); err != nil {
		r.logger.Warn("failed to release instance lock", zap.Error(err))
	}
	if r.telemetry != nil {
		if err := r.telemetry.Shutdown(ctx); err != nil {
			r.logger.Warn("failed to shut down telemetry", zap.Error(err))
		}
	}
	return nil
}

// Status implements control.Handler.
func (r *Runtime) Status(ctx context.Context) (string, error) {
	return "running", nil
}

// Restart implements control.Handler by delegating to the registered
// restart module through the normal command-dispatch path.
func (r *Runtime) Restart(ctx context.Context) error {
	status, msg := r.modules.Execute(ctx, "restart", "restart", nil)
	if status == command.StatusFailure {
		return fmt.Errorf("restart: %s", msg)
	}
	return nil
}

// Stop cancels the runtime's context, triggering shutdown. Safe to call
// more than once.
func (r *Runtime) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
	})
	return nil
}

// GetAgentStatus reports whether an agent instance already holds the lock
// at the configured run directory, without disturbing it. Used by the
// --status CLI flag when the agent itself isn't running in this process.
func GetAgentStatus(cfg *config.Config, logger *zap.Logger) (string, error) {
	return instance.GetAgentStatus(filepath.Join(cfg.Agent.Path.Run, "agent.lock"), logger)
}
