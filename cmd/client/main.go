package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	approuters "Tradechat/internal/app_routers"
	"Tradechat/internal/configuration"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath    string
	enableMonitor bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "tradechat-client",
		Short:         "Terminal client for marketplace conversations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./configs/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&enableMonitor, "monitor", false, "serve diagnostics on monitor.port")

	rootCmd.AddCommand(newChatCmd(), newConversationsCmd())
	return rootCmd
}

// bootstrap loads the configuration, wires the container and connects the
// live transport. The returned context ends on SIGINT or SIGTERM.
func bootstrap(cmd *cobra.Command) (context.Context, *configuration.Container, func(), error) {
	cfg, err := configuration.LoadConfig(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if enableMonitor {
		cfg.Monitor.Enabled = true
	}

	container, err := configuration.BuildContainer(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	container.Start(ctx)

	monitorDone := make(chan struct{})
	if cfg.Monitor.Enabled {
		go func() {
			defer close(monitorDone)
			if err := approuters.StartMonitor(ctx, container); err != nil {
				container.Logger.Error("diagnostics server stopped", zap.Error(err))
			}
		}()
	} else {
		close(monitorDone)
	}

	cleanup := func() {
		stop()
		<-monitorDone
		_ = container.Close()
	}
	return ctx, container, cleanup, nil
}
