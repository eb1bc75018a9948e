package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jessevdk/go-flags"
	"github.com/openfleet/sqlite-worker/go/registry"
	"github.com/openfleet/sqlite-worker/go/store"
	"github.com/openfleet/sqlite-worker/go/worker"
	log "github.com/sirupsen/logrus"
)

// Config is the top-level configuration object of a SQLite worker.
var Config = new(worker.Config)

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	worker.InitLog(Config.Log)

	if err := Config.Validate(); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"hostname": Config.Worker.Hostname,
		"coreAPI":  Config.Worker.CoreAPI,
		"port":     Config.Worker.Port,
		"pid":      os.Getpid(),
	}).Info("sqlite-worker configuration")

	var ctx = context.Background()

	databasesStore, err := store.NewPostgres(ctx, Config.Store.URI)
	if err != nil {
		return fmt.Errorf("opening row store: %w", err)
	}
	defer databasesStore.Close()

	if err := databasesStore.Init(ctx); err != nil {
		return fmt.Errorf("initializing row store: %w", err)
	}

	var reg = registry.New(databasesStore, registry.Options{
		QueryTimeout: Config.Worker.QueryTimeout,
		IdleEviction: Config.Worker.IdleEviction,
	})
	reg.StartJanitor()

	var router = mux.NewRouter()
	worker.NewServer(reg, databasesStore).RegisterAPIs(router)

	listener, err := net.Listen("tcp", fmt.Sprintf("[::]:%d", Config.Worker.Port))
	if err != nil {
		return fmt.Errorf("binding listener: %w", err)
	}
	var srv = &http.Server{Handler: router}

	var serverStopped = make(chan struct{})
	go func() {
		defer close(serverStopped)
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.WithField("err", err).Error("server error")
		}
		log.Info("[GRACEFUL] Server stopped")
	}()

	var lifecycle = worker.NewLifecycle(Config.Worker.Hostname, Config.Worker.CoreAPI)
	go lifecycle.Run(ctx)

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	var sig = <-signalCh

	log.WithField("signal", sig).Info("[GRACEFUL] Signal received")
	lifecycle.BeginShutdown()

	// Tell core to stop sending requests before the listener closes.
	log.Info("[GRACEFUL] Sending shutdown request to core...")
	if err := lifecycle.Deregister(ctx); err != nil {
		log.WithField("err", err).Error("failed to send shutdown request")
	} else {
		log.Info("[GRACEFUL] Shutdown request sent")
	}

	log.Info("[GRACEFUL] Shutting down server...")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	<-serverStopped

	log.Info("[GRACEFUL] Awaiting database queries to finish...")
	if err := reg.Drain(ctx); err != nil {
		return fmt.Errorf("draining registry: %w", err)
	}

	// Pause to let the logger flush before exit.
	log.Info("[GRACEFUL] Exiting in 1 second...")
	time.Sleep(time.Second)
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve as SQLite worker", `
Serve a SQLite worker with the provided configuration, until signaled to
exit (via SIGTERM).
`, &cmdServe{})

	if _, err := parser.Parse(); err != nil {
		if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		log.WithField("err", err).Error("sqlite-worker failed")
		os.Exit(1)
	}
}
