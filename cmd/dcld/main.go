// Command dcld is the compute-node daemon: it opens the native OpenCL
// platform named by --platform, serves the wire protocol described in
// internal/transport/wsbulk over the given hostname, and hosts one
// internal/session.Session per connecting host.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/wwu-pi/dcl/internal/daemonize"
	"github.com/wwu-pi/dcl/internal/dcllog"
	"github.com/wwu-pi/dcl/internal/native"
	"github.com/wwu-pi/dcl/internal/registry"
	"github.com/wwu-pi/dcl/internal/session"
	"github.com/wwu-pi/dcl/internal/transport"
	"github.com/wwu-pi/dcl/internal/transport/wsbulk"
)

var (
	platformName string
	daemonise    bool
	pidFilePath  string
	logLevel     string
)

func main() {
	root := &cobra.Command{
		Use:           "dcld [--platform name] <hostname>",
		Short:         "compute-node daemon for the dOpenCL runtime",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          run,
	}
	root.Flags().StringVar(&platformName, "platform", "", "native OpenCL platform name to serve (default: first platform found)")
	root.Flags().BoolVar(&daemonise, "daemonize", false, "detach from the controlling terminal")
	root.Flags().StringVar(&pidFilePath, "pid-file", "dcld.pid", "PID file acquired for the daemon's lifetime")
	root.Flags().StringVar(&logLevel, "log-level", "info", "logrus level: debug, info, warn, error")
	root.Flags().SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	hostname := args[0]

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("dcld: invalid --log-level %q: %w", logLevel, err)
	}
	log := dcllog.New(fmt.Sprintf("dcld[%s]", hostname), level)
	dcllog.Init(log)

	platform, err := selectPlatform(platformName)
	if err != nil {
		return err
	}
	platformLabel, err := platform.Name()
	if err != nil {
		platformLabel = "<unknown>"
	}
	devices, err := platform.Devices()
	if err != nil {
		return fmt.Errorf("dcld: list devices: %w", err)
	}
	log.Info("selected native platform", dcllog.Ctx{"platform": platformLabel, "devices": len(devices)})

	if daemonise {
		if err := daemonize.Daemonize(); err != nil {
			return fmt.Errorf("dcld: daemonize: %w", err)
		}
	}

	pid, err := daemonize.AcquirePIDFile(pidFilePath)
	if err != nil {
		return fmt.Errorf("dcld: %w", err)
	}
	defer pid.Release()

	reg := registry.New()
	mgr := session.NewManager(hostname, reg, log)

	server := wsbulk.NewServerWithFactory(func(conn *wsbulk.Conn) (transport.RequestHandler, transport.NotificationSink) {
		return mgr.Bind(conn)
	}, log)

	httpServer := &http.Server{
		Addr:         hostname,
		Handler:      server,
		ReadTimeout:  0,
		WriteTimeout: 0,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", dcllog.Ctx{"address": hostname})
		serveErr <- httpServer.ListenAndServe()
	}()

	shutdown := make(chan struct{})
	go daemonize.WaitForShutdown(func() { close(shutdown) })

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("dcld: serve: %w", err)
		}
	case <-shutdown:
		log.Info("shutting down", dcllog.Ctx{})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Warn("graceful shutdown failed", dcllog.Ctx{"error": err.Error()})
		}
	}
	return nil
}

func selectPlatform(name string) (native.Platform, error) {
	platforms, err := native.Platforms()
	if err != nil {
		return native.Platform{}, fmt.Errorf("dcld: list platforms: %w", err)
	}
	if len(platforms) == 0 {
		return native.Platform{}, fmt.Errorf("dcld: no native OpenCL platform found")
	}
	if name == "" {
		return platforms[0], nil
	}
	for _, p := range platforms {
		n, err := p.Name()
		if err == nil && n == name {
			return p, nil
		}
	}
	return native.Platform{}, fmt.Errorf("dcld: no native platform named %q", name)
}
