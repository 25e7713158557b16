package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"simbridge/agent"
	"simbridge/checkpoint"
	"simbridge/config"
	"simbridge/remote"
)

func agentCmd() *cobra.Command {
	var (
		url      string
		hz       float64
		maxSteps int
	)
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the autonomous agent decision loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			setupLogger(cfg.LogLevel)
			if url == "" {
				url = cfg.WSURL
			}

			store, err := checkpoint.Open(cfg.Checkpoint.Backend, cfg.Checkpoint.Dir)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			runner := agent.NewRunner(
				agent.Config{URL: url, DecisionHz: hz, MaxSteps: maxSteps},
				agent.NewWatcher(store),
				agent.NewRandomPolicy(time.Now().UnixNano()),
			)
			slog.Info("agent starting", "url", url, "hz", hz, "checkpoint", cfg.Checkpoint.Backend)
			return runner.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "game websocket URL (default $SIMBRIDGE_WS_URL)")
	cmd.Flags().Float64Var(&hz, "hz", 4, "decisions per second")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 500, "steps before the episode is reset")
	return cmd
}

func trainCmd() *cobra.Command {
	var (
		url      string
		episodes int
		maxSteps int
		height   int
		width    int
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Drive the server through the blocking reset/step client with a random policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			setupLogger(cfg.LogLevel)
			if url == "" {
				url = cfg.WSURL
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			env := remote.New(url, remote.WithSize(height, width), remote.WithMaxSteps(maxSteps))
			if err := env.Start(ctx); err != nil {
				return err
			}
			defer env.Close()

			return train(ctx, env, agent.NewRandomPolicy(time.Now().UnixNano()), episodes)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "game websocket URL (default $SIMBRIDGE_WS_URL)")
	cmd.Flags().IntVar(&episodes, "episodes", 1, "episodes to run")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 500, "steps per episode")
	cmd.Flags().IntVar(&height, "height", 720, "observation height")
	cmd.Flags().IntVar(&width, "width", 1280, "observation width")
	return cmd
}

func train(ctx context.Context, env *remote.Env, policy agent.Policy, episodes int) error {
	for ep := 1; ep <= episodes; ep++ {
		_, info, err := env.Reset(remote.ResetOptions{Randomize: true})
		if err != nil {
			return fmt.Errorf("episode %d: %w", ep, err)
		}

		var ret float64
		steps := 0
		for {
			if ctx.Err() != nil {
				return nil
			}
			tr, err := env.Step(policy.Act(info.Metrics))
			if err != nil {
				return fmt.Errorf("episode %d: %w", ep, err)
			}
			steps++
			ret += tr.Reward
			info = tr.Info
			if tr.Info.Error != "" {
				slog.Warn("step failed", "episode", ep, "error", tr.Info.Error)
			}
			if tr.Terminated || tr.Truncated {
				break
			}
		}
		slog.Info("episode finished", "episode", ep, "steps", steps, "return", ret)
	}
	return nil
}
