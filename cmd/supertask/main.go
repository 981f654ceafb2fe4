package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"supertask/internal/app"
	logx "supertask/pkg/logx"
	"syscall"
	"time"
)

const stopTimeout = 30 * time.Second

func main() {
	var (
		cfgPath   string
		envFile   string
		store     string
		jobs      string
		preDelete bool
	)
	flag.StringVar(&cfgPath, "config", "./supertask.yaml", "path to config yaml/json")
	flag.StringVar(&envFile, "env", ".env", "dotenv file with SUPERTASK_* overrides")
	flag.StringVar(&store, "store", "", "job store address (memory://, sqlite://..., postgresql://..., crate://..., redis://...)")
	flag.StringVar(&jobs, "jobs", "", "path to the job definitions file")
	flag.BoolVar(&preDelete, "pre-delete", false, "delete all stored jobs on startup")
	flag.Parse()

	explicit := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	a, err := app.New(app.Options{
		ConfigPath:      cfgPath,
		ConfigOptional:  !explicit["config"],
		EnvFile:         envFile,
		EnvFileOptional: !explicit["env"],
		StoreAddress:    store,
		PreDelete:       preDelete,
		JobsPath:        jobs,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := a.Start(ctx); err != nil {
		a.Logger().Error("start failed", logx.Err(err))
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		a.Stop(stopCtx, app.StopStartup)
		stopCancel()
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	reason := app.StopUnknown
	exit := 0
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
		exit = 1
		a.Logger().Error("supervised loop failed", logx.Err(a.Err()))
	}
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	a.Stop(stopCtx, reason)
	stopCancel()
	os.Exit(exit)
}
