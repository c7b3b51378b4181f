// main.go — process entry point: CLI flags, config load, logger
// construction, and wiring of every runtime component (app, signaling,
// webserver, vmstore, vm, frontend) onto one event loop. Grounded on
// cmd/gasoline-cmd/main.go's usage-banner-as-const-string style and
// run(args)-returns-exit-code split (teacher module), narrowed to §6's
// two-flag CLI surface and 0/1 exit codes.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openvocs/ov-core/internal/app"
	"github.com/openvocs/ov-core/internal/config"
	"github.com/openvocs/ov-core/internal/frontend"
	"github.com/openvocs/ov-core/internal/loop"
	"github.com/openvocs/ov-core/internal/obslog"
	"github.com/openvocs/ov-core/internal/obsmetrics"
	"github.com/openvocs/ov-core/internal/signaling"
	"github.com/openvocs/ov-core/internal/vm"
	"github.com/openvocs/ov-core/internal/vmstore"
	"github.com/openvocs/ov-core/internal/webserver"
)

// version is set at build time via -ldflags.
var version = "0.1.0"

const programStoreCapacity = 4096

// defaultProgramTimeoutUsecs is the VM's per-program timeout when the
// config document doesn't narrow it further (§6 names lock_timeout_msecs
// for a different purpose; the VM's own default simply needs a sane
// fallback so a misconfigured core doesn't leak programs forever).
const defaultProgramTimeoutUsecs = 30_000_000

func main() {
	os.Exit(run(os.Args))
}

// run is split out from main for testability, per the teacher's
// run(args)-returns-exit-code convention.
func run(args []string) int {
	var configPath string
	var showVersion bool
	var debugLog bool

	root := &cobra.Command{
		Use:           filepath.Base(args[0]),
		Short:         "openvocs signaling + session orchestration core",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			if showVersion {
				fmt.Printf("%s %s\n", filepath.Base(args[0]), version)
				return nil
			}
			path := configPath
			if path == "" {
				path = defaultConfigPath(args[0])
			}
			return serve(path, debugLog)
		},
	}
	// §6: unknown options are not fatal (they may belong to a host binary).
	root.FParseErrWhitelist.UnknownFlags = true
	root.Flags().StringVarP(&configPath, "config", "c", "", "config file path")
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "print version and exit")
	root.Flags().BoolVar(&debugLog, "debug", false, "enable development logging")
	root.SetArgs(args[1:])

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ov-core:", err)
		return 1
	}
	return 0
}

// defaultConfigPath derives a config file name from the invoked binary
// name when -c is absent, per §6.
func defaultConfigPath(argv0 string) string {
	base := filepath.Base(argv0)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return base + ".json"
}

// runtime bundles every wired component so shutdown can tear them down in
// the right order.
type runtime struct {
	log      *zap.Logger
	l        *loop.Loop
	a        *app.App
	ws       *webserver.Webserver
	machine  *vm.VM
	registry *frontend.Registry
	ice      *frontend.IceFrontend
}

func serve(configPath string, debug bool) error {
	log, err := obslog.New(debug)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	rt, err := wire(cfg, log)
	if err != nil {
		return fmt.Errorf("wiring: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		rt.shutdown()
	}()

	rt.l.Run(0) // blocks until Stop (via shutdown signal or the "shutdown" command)
	return nil
}

func wire(cfg *config.Config, log *zap.Logger) (*runtime, error) {
	metrics := obsmetrics.New(prometheus.DefaultRegisterer)
	l := loop.New()
	a := app.New(l, obslog.Component(log, "app"), metrics)
	a.SetReconnectInterval(time.Duration(cfg.ReconnectIntervalSecs) * time.Second)

	store := vmstore.New(programStoreCapacity, nil, obslog.Component(log, "vmstore"), metrics)

	sig := signaling.New(a, obslog.Component(log, "signaling"), nil)
	registry := frontend.NewRegistry(obslog.Component(log, "frontend"), metrics, nil)
	ice := frontend.New(sig, registry, obslog.Component(log, "frontend"))

	machine := vm.New(vm.Config{
		Store:               store,
		Loop:                l,
		Log:                 obslog.Component(log, "vm"),
		Metrics:             metrics,
		DefaultTimeoutUsecs: defaultProgramTimeoutUsecs,
	})
	machine.StartTimeoutScan()

	if _, err := a.Open(app.SocketConfig{
		Host:   cfg.SignallingServer.Host,
		Port:   cfg.SignallingServer.Port,
		Mode:   app.ModeServer,
		Parser: app.ParserJSON,
		IO:     sig.IOFunc(),
		OnClose: func(_ *app.App, socket loop.SocketHandle, _ string) {
			registry.UnregisterProxy(socket)
		},
	}); err != nil {
		return nil, fmt.Errorf("open signalling listener: %w", err)
	}

	var ws *webserver.Webserver
	if len(cfg.Webserver.Domains) > 0 {
		var err error
		ws, err = webserver.New(a, obslog.Component(log, "webserver"), cfg.Webserver.Domains)
		if err != nil {
			return nil, fmt.Errorf("webserver init: %w", err)
		}
		if err := ws.ListenAndServe("0.0.0.0", 443); err != nil {
			return nil, fmt.Errorf("webserver listen: %w", err)
		}
	}

	return &runtime{
		log:      log,
		l:        l,
		a:        a,
		ws:       ws,
		machine:  machine,
		registry: registry,
		ice:      ice,
	}, nil
}

func (rt *runtime) shutdown() {
	rt.machine.StopTimeoutScan()
	rt.a.CloseAllConnections()
	if rt.ws != nil {
		rt.ws.Close()
	}
	rt.l.Stop()
}
