// Package server assembles the agentd process: the storage, runtime, and
// archive services wired together under one dskit module manager, fronted
// by a single HTTP server.
package server

import (
	"context"
	"fmt"
	"maps"
	"net"
	"os"
	"slices"
	"sort"
	"strconv"

	"log/slog"

	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	"github.com/grafana/dskit/middleware"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/agentcore/agentcore/pkg/admission"
	"github.com/agentcore/agentcore/pkg/config"
	"github.com/agentcore/agentcore/pkg/events"
	"github.com/agentcore/agentcore/pkg/fault"
	"github.com/agentcore/agentcore/pkg/logutil"
	"github.com/agentcore/agentcore/pkg/provider"
	"github.com/agentcore/agentcore/pkg/provider/openai"
	"github.com/agentcore/agentcore/pkg/retry"
	"github.com/agentcore/agentcore/pkg/services/archive"
	"github.com/agentcore/agentcore/pkg/services/runtime"
	storagesvc "github.com/agentcore/agentcore/pkg/services/storage"
	"github.com/agentcore/agentcore/pkg/storage"
)

// The modules that make up agentd.
const (
	All           = "all"
	Storage       = "storage"
	Runtime       = "runtime"
	Archive       = "archive"
	ServerService = "server"
)

type AgentCore struct {
	logger *slog.Logger
	cfg    config.Config

	mm   *modules.Manager
	deps map[string][]string

	tap        *events.Tap
	supervisor *fault.Supervisor
	admission  *admission.Controller
	retries    *retry.Coordinator
	provider   provider.Provider

	store   storage.KVBroker
	runtime *runtime.Manager

	serviceMap map[string]services.Service
	server     *server.Server
	serverConf server.Config
}

func New(cfg config.Config) (*AgentCore, error) {
	logger := slog.Default()

	prov, err := openai.NewClient(cfg.Provider, logger.With("component", "provider"))
	if err != nil {
		return nil, err
	}

	a := &AgentCore{
		logger:     logger,
		cfg:        cfg,
		tap:        events.NewTap(),
		supervisor: fault.NewSupervisor(logger.With("component", "supervisor")),
		admission:  admission.New(cfg.Admission, logger.With("component", "admission")),
		retries:    retry.NewCoordinator(cfg.Retry, logger.With("component", "retry")),
		provider:   prov,
	}

	host, port, err := splitAddr(cfg.Server.HTTPAddr)
	if err != nil {
		return nil, err
	}
	conf := server.Config{
		HTTPListenAddress:             host,
		HTTPListenPort:                port,
		DoNotAddDefaultHTTPMiddleware: true,
		LogFormat:                     dslog.LogfmtFormat,
		LogLevel: dslog.Level{
			Option: level.AllowInfo(),
		},
	}
	conf.Log = logutil.GoKit(logger.With("component", "http"))

	srv, err := server.New(conf)
	if err != nil {
		return nil, err
	}
	a.server = srv
	a.serverConf = conf

	if err := a.setupModuleManager(); err != nil {
		return nil, err
	}
	return a, nil
}

func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("server.http_addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("server.http_addr %q: %w", addr, err)
	}
	return host, port, nil
}

func (a *AgentCore) setupModuleManager() error {
	mm := modules.NewManager(a.serverConf.Log)
	mm.RegisterModule(All, nil)

	mm.RegisterModule(Storage, func() (services.Service, error) {
		storeSvc, err := storagesvc.NewStorageService(
			a.logger.With("service", Storage),
			a.cfg.Storage.Path,
		)
		if err != nil {
			return nil, err
		}
		a.store = storeSvc
		return storeSvc, nil
	}, modules.UserInvisibleModule)

	mm.RegisterModule(Runtime, func() (services.Service, error) {
		mgr := runtime.NewManager(
			a.logger.With("service", Runtime),
			a.cfg.Runtime,
			a.provider,
			runtime.Guards{
				Admission: a.admission,
				Retries:   a.retries,
				Breaker:   a.cfg.Breaker,
			},
			a.supervisor,
			a.tap,
			a.store,
		)
		mgr.ConfigureHTTP(a.server.HTTP)
		a.runtime = mgr
		return mgr, nil
	})

	mm.RegisterModule(Archive, func() (services.Service, error) {
		svc := archive.New(
			a.logger.With("service", Archive),
			a.cfg.Archive,
			a.tap,
			a.store,
		)
		svc.ConfigureHTTP(a.server.HTTP)
		return svc, nil
	})

	mm.RegisterModule(ServerService, func() (services.Service, error) {
		servicesToWaitFor := func() []services.Service {
			svs := []services.Service(nil)
			for m, s := range a.serviceMap {
				// Server should not wait for itself.
				if m != ServerService {
					svs = append(svs, s)
				}
			}
			return svs
		}
		defaultHTTPMiddleware := []middleware.Interface{}
		a.server.HTTPServer.Handler = middleware.Merge(defaultHTTPMiddleware...).Wrap(a.server.HTTP)
		s := a.newServerService(servicesToWaitFor)
		corsHandler := cors.New(cors.Options{
			AllowedOrigins:   a.cfg.Server.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: len(a.cfg.Server.CORSOrigins) > 0,
		}).Handler(a.server.HTTPServer.Handler)
		traced := otelhttp.NewHandler(corsHandler, "agentd")
		a.server.HTTPServer.Handler = h2c.NewHandler(traced, &http2.Server{})
		return s, nil
	}, modules.UserInvisibleModule)

	deps := map[string][]string{
		All:           {ServerService},
		ServerService: {Runtime, Archive},
		Runtime:       {Storage},
		Archive:       {Storage},
	}
	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	a.mm = mm
	a.deps = deps
	allDeps := a.mm.DependenciesForModule(All)
	for _, m := range a.mm.UserVisibleModuleNames() {
		ix := sort.SearchStrings(allDeps, m)
		included := ix < len(allDeps) && allDeps[ix] == m

		if included {
			fmt.Fprintln(os.Stdout, m, "*")
		} else {
			fmt.Fprintln(os.Stdout, m)
		}
	}

	fmt.Fprintln(os.Stdout)
	fmt.Fprintln(os.Stdout, "Modules marked with * are included in target All.")
	return nil
}

// Run initializes every module, starts the service manager, and blocks until
// the process is signalled or a module fails.
func (a *AgentCore) Run(ctx context.Context) error {
	defer a.admission.Close()

	svcMap, err := a.mm.InitModuleServices(All)
	if err != nil {
		return err
	}
	a.serviceMap = svcMap

	mgr, err := services.NewManager(slices.Collect(maps.Values(svcMap))...)
	if err != nil {
		a.logger.With("err", err).Error("failed to build service manager")
		return err
	}

	servicesFailed := func(service services.Service) {
		mgr.StopAsync()

		for m, s := range svcMap {
			if s == service {
				if service.FailureCase() == modules.ErrStopProcess {
					a.logger.With(
						"module", m,
					).With(
						"error", service.FailureCase(),
					).Info("received stop signal via return error")
				} else {
					a.logger.With(
						"module", m,
					).With(
						"error", service.FailureCase(),
					).Error("module failed")
				}
				return
			}
		}
		a.logger.With("module", "unknown").With("error", service.FailureCase()).Error("module failed")
	}

	mgr.AddListener(services.NewManagerListener(
		func() {},
		func() {},
		servicesFailed,
	))

	handler := signals.NewHandler(a.serverConf.Log)
	go func() {
		handler.Loop()
		mgr.StopAsync()
	}()
	printRoutes(a.server.HTTP, a.logger)
	var stopErr error
	if err := mgr.StartAsync(ctx); err == nil {
		stopErr = mgr.AwaitStopped(ctx)
	}

	if stopErr != nil {
		return stopErr
	}

	if failed := mgr.ServicesByState()[services.Failed]; len(failed) > 0 {
		for _, f := range failed {
			if f.FailureCase() != modules.ErrStopProcess {
				// Details were reported via the failure listener already.
				return fmt.Errorf("services failed")
			}
		}
	}
	return nil
}

// newServerService wraps the embedded HTTP server in a service that stops
// only after every module it fronts has terminated. The server must not
// react to signals itself; an early return from Run is an error.
func (a *AgentCore) newServerService(servicesToWaitFor func() []services.Service) services.Service {
	l := a.logger.With("service", "server")
	serverDone := make(chan error, 1)

	runFn := func(ctx context.Context) error {
		go func() {
			defer close(serverDone)
			rl := l.With("http-addr", fmt.Sprintf("%s:%d", a.serverConf.HTTPListenAddress, a.serverConf.HTTPListenPort))
			rl.Info("running")
			serverDone <- a.server.Run()
		}()

		select {
		case <-ctx.Done():
			return nil
		case err := <-serverDone:
			if err != nil {
				return fmt.Errorf("server stopped unexpectedly: %w", err)
			}
			return nil
		}
	}

	stoppingFn := func(_ error) error {
		// Wait until the fronted modules are done, then shut the
		// listener down (this also unblocks Run).
		for _, s := range servicesToWaitFor() {
			_ = s.AwaitTerminated(context.Background())
		}

		a.server.Shutdown()

		<-serverDone
		l.Info("server stopped")
		return nil
	}

	return services.NewBasicService(nil, runFn, stoppingFn)
}
