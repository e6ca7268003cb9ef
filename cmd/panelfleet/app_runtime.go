package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/panelfleet/panelfleet/internal/api"
	"github.com/panelfleet/panelfleet/internal/buildinfo"
	"github.com/panelfleet/panelfleet/internal/config"
	"github.com/panelfleet/panelfleet/internal/gate"
	"github.com/panelfleet/panelfleet/internal/scanloop"
	"github.com/panelfleet/panelfleet/internal/scheduler"
	"github.com/panelfleet/panelfleet/internal/service"
	"github.com/panelfleet/panelfleet/internal/state"
	"github.com/panelfleet/panelfleet/internal/subscription"
	"github.com/panelfleet/panelfleet/internal/taskqueue"
	"github.com/panelfleet/panelfleet/internal/tasks"
	"github.com/panelfleet/panelfleet/internal/worker"
	"github.com/panelfleet/panelfleet/internal/xui"
)

type panelfleetApp struct {
	envCfg    *config.EnvConfig
	store     taskqueue.Store
	redis     *taskqueue.RedisStore
	dialer    *xui.Dialer
	pool      *worker.Pool
	scheduler *scheduler.Scheduler
	apiSrv    *api.Server
	apiLn     net.Listener
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}
	if config.IsWeakToken(envCfg.AdminToken) {
		log.Println("WARNING: PANELFLEET_ADMIN_TOKEN is weak; use a long random token")
	}
	if envCfg.AdminToken == "" {
		log.Println("WARNING: PANELFLEET_ADMIN_TOKEN is empty; API authentication is disabled")
	}

	persistence, dbCloser, err := state.PersistenceBootstrap(envCfg.StateDir)
	if err != nil {
		return fmt.Errorf("persistence bootstrap: %w", err)
	}
	log.Println("Persistence bootstrap complete")

	app, err := newPanelfleetApp(envCfg, persistence)
	if err != nil {
		_ = dbCloser.Close()
		return err
	}

	serverErrCh := app.startServers()
	runtimeErr := waitForShutdown(serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	app.shutdown(ctx)

	if err := dbCloser.Close(); err != nil {
		log.Printf("Persistence close error: %v", err)
	}
	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func newPanelfleetApp(envCfg *config.EnvConfig, persistence *state.Persistence) (*panelfleetApp, error) {
	app := &panelfleetApp{envCfg: envCfg}

	subs, err := subscription.NewWriter(envCfg.SubsDir)
	if err != nil {
		return nil, fmt.Errorf("subscription writer: %w", err)
	}

	if err := app.initTaskStore(persistence.QueueDB); err != nil {
		return nil, err
	}

	app.dialer = xui.NewDialer(xui.Options{RequestTimeout: envCfg.PanelRequestTimeout}, 0, envCfg.PanelSessionTTL)
	handlers := tasks.New(persistence.Repo, app.dialer, subs, gate.NewKeyed[int64](), tasks.Options{
		BasePort:      envCfg.BasePort,
		PublicBaseURL: envCfg.PublicBaseURL,
	})

	app.pool = worker.NewPool(worker.Config{
		Store:        app.store,
		IdleInterval: envCfg.WorkerIdleInterval,
		ErrorBackoff: envCfg.WorkerErrorBackoff,
	})
	for _, kind := range taskqueue.AllKinds {
		app.pool.Register(kind, handlers.Handle)
	}
	log.Printf("Worker pool initialized with %d task kinds", len(taskqueue.AllKinds))

	app.scheduler, err = scheduler.New(scheduler.Config{
		Store:             app.store,
		Interval:          envCfg.SchedulerInterval,
		Jitter:            scanloop.DefaultJitterRange,
		CleanupSchedule:   envCfg.CleanupSchedule,
		ExpirySchedule:    envCfg.ExpiryCheckSchedule,
		ReconcileSchedule: envCfg.ReconcileSchedule,
	})
	if err != nil {
		app.closeTaskStore()
		return nil, err
	}

	cp := &service.ControlPlaneService{
		Repo:          persistence.Repo,
		Store:         app.store,
		Subs:          subs,
		Connector:     app.dialer,
		Gate:          gate.New(),
		Workers:       app.pool,
		Scheduler:     app.scheduler,
		PublicBaseURL: envCfg.PublicBaseURL,
		Info: service.SystemInfo{
			Version:      buildinfo.Version,
			GitCommit:    buildinfo.GitCommit,
			BuildTime:    buildinfo.BuildTime,
			StartedAt:    time.Now().UTC(),
			QueueBackend: envCfg.QueueBackend,
		},
	}

	if err := seedPanels(cp, envCfg.PanelsFile); err != nil {
		app.closeTaskStore()
		return nil, err
	}

	app.apiSrv = api.NewServer(
		envCfg.ListenAddress,
		envCfg.Port,
		envCfg.AdminToken,
		cp,
		int64(envCfg.APIMaxBodyBytes),
	)
	app.apiLn, err = net.Listen("tcp", formatListenAddress(envCfg.ListenAddress, envCfg.Port))
	if err != nil {
		app.closeTaskStore()
		return nil, fmt.Errorf("api server listen: %w", err)
	}

	app.startBackgroundServices()
	return app, nil
}

func (a *panelfleetApp) initTaskStore(queueDB *sql.DB) error {
	switch a.envCfg.QueueBackend {
	case config.QueueBackendRedis:
		rs := taskqueue.NewRedisStore(taskqueue.RedisOptions{
			Addr:      a.envCfg.RedisAddr,
			Password:  a.envCfg.RedisPassword,
			DB:        a.envCfg.RedisDB,
			KeyPrefix: a.envCfg.RedisKeyPrefix,
			StatusTTL: a.envCfg.TaskStatusTTL,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return fmt.Errorf("redis task store: %w", err)
		}
		a.store = rs
		a.redis = rs
		log.Printf("Task store: redis at %s", a.envCfg.RedisAddr)
	default:
		a.store = taskqueue.NewSQLiteStore(queueDB)
		log.Println("Task store: sqlite queue.db")
	}
	return nil
}

func (a *panelfleetApp) closeTaskStore() {
	if a.redis == nil {
		return
	}
	if err := a.redis.Close(); err != nil {
		log.Printf("Redis close error: %v", err)
	}
}

// seedPanels upserts every panel of the seed file by name.
func seedPanels(cp *service.ControlPlaneService, path string) error {
	seeds, err := config.LoadPanelSeeds(path)
	if err != nil {
		return err
	}
	ctx := context.Background()
	for _, seed := range seeds {
		req := service.CreatePanelRequest{
			Name:     &seed.Name,
			URL:      &seed.URL,
			Username: &seed.Username,
			Password: &seed.Password,
		}
		if seed.Domain != "" {
			req.Domain = &seed.Domain
		}
		if seed.RemarkPrefix != "" {
			req.RemarkPrefix = &seed.RemarkPrefix
		}
		created, err := cp.EnsurePanel(ctx, req)
		if err != nil {
			return fmt.Errorf("seed panel %q: %w", seed.Name, err)
		}
		if created {
			log.Printf("Seeded panel %q", seed.Name)
		}
	}
	if len(seeds) > 0 {
		log.Printf("Panel seed file applied (%d panels)", len(seeds))
	}
	return nil
}

func (a *panelfleetApp) startBackgroundServices() {
	a.pool.Start()
	log.Println("Worker pool started")
	a.scheduler.Start()
	log.Println("Scheduler started")
}

func (a *panelfleetApp) startServers() <-chan error {
	serverErrCh := make(chan error, 1)
	reportServerErr := func(name string, err error) {
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		wrapped := fmt.Errorf("%s: %w", name, err)
		select {
		case serverErrCh <- wrapped:
		default:
		}
	}

	go func() {
		log.Printf("PanelFleet API server starting on %s", formatListenURL(a.envCfg.ListenAddress, a.envCfg.Port))
		reportServerErr("api server", a.apiSrv.Serve(a.apiLn))
	}()

	return serverErrCh
}

func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("Received signal %s, shutting down...", sig)
		return nil
	case err := <-serverErrCh:
		log.Printf("Received server runtime error (%v), shutting down...", err)
		return err
	}
}

func formatListenAddress(listenAddress string, port int) string {
	return net.JoinHostPort(listenAddress, strconv.Itoa(port))
}

func formatListenURL(listenAddress string, port int) string {
	return "http://" + formatListenAddress(listenAddress, port)
}

func (a *panelfleetApp) shutdown(ctx context.Context) {
	if err := a.apiSrv.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("API server stopped")

	// Producers first, then consumers, then the store.
	a.scheduler.Stop()
	log.Println("Scheduler stopped")

	a.pool.Stop()
	log.Println("Worker pool stopped")

	a.dialer.Close()
	a.closeTaskStore()
	log.Println("Server stopped")
}
