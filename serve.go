package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"simbridge/broadcast"
	"simbridge/config"
	"simbridge/control"
	"simbridge/domain"
	"simbridge/process"
	"simbridge/server"
	"simbridge/sim"
)

func serveCmd() *cobra.Command {
	var scene string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the streaming server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(scene)
		},
	}
	cmd.Flags().StringVar(&scene, "scene", "FloorPlan1", "initial scene")
	return cmd
}

func runServe(scene string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogger(cfg.LogLevel)

	env, err := sim.New(sim.Config{Scene: scene, Seed: time.Now().UnixNano()})
	if err != nil {
		return err
	}

	var (
		ctrl  domain.ControlSource
		agent server.AgentProcess
	)
	switch cfg.ControlSource {
	case config.ControlManual:
		ctrl = control.NewManual(domain.ModeOperator)
	default:
		command := cfg.AgentCommand
		if len(command) == 0 {
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve executable: %w", err)
			}
			command = []string{exe, "agent", "--url", cfg.WSURL}
		}
		sup := process.NewSupervisor(command)
		ctrl, agent = sup, sup
	}

	srv := server.New(env, ctrl, agent, broadcast.Config{
		FPS:     cfg.Stream.FPS,
		Width:   cfg.Stream.Width,
		Height:  cfg.Stream.Height,
		Quality: cfg.Stream.Quality,
	})
	if _, err := srv.Session().Reset(domain.ResetOptions{}); err != nil {
		return fmt.Errorf("initial reset: %w", err)
	}

	httpServer := &http.Server{
		Addr:    cfg.Address(),
		Handler: srv.Routes(),
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Address(), "scene", scene, "control", cfg.ControlSource)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("server shutting down")
	srv.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	return nil
}
