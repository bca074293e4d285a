package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/geoforge/rasterflow/internal/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "rasterflow: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	a.Start()
	a.Log.Info("Worker consuming", "jobs_queue", a.Cfg.Queue.JobsName, "tasks_queue", a.Cfg.Queue.TasksName)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	errc := make(chan error, 1)
	go func() {
		a.Log.Info("Server listening", "addr", a.Cfg.HTTPAddr)
		errc <- a.Run()
	}()

	select {
	case sig := <-stop:
		a.Log.Info("Shutting down", "signal", sig.String())
	case err := <-errc:
		if err != nil {
			a.Log.Error("Server failed", "error", err)
		}
	}
}
