// Command storaged is the storage node process entrypoint: it parses a
// FastDFS-style .conf file, wires every internal package into one Node
// behind a single cobra root command, and serves connections until told
// to stop.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fastdfs-go/storaged/internal/config"
	"github.com/fastdfs-go/storaged/internal/logging"
	"github.com/fastdfs-go/storaged/internal/node"
)

// version is stamped by the release process; unset in dev builds.
var version = "dev"

var log = logging.For("main")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		confPath string
		logLevel string
	)

	root := &cobra.Command{
		Use:           "storaged",
		Short:         "FastDFS-style storage node daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&confPath, "config", "c", "storaged.conf", "path to the node's .conf file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	root.AddCommand(newServeCmd(&confPath, &logLevel))
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the storaged version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

func newServeCmd(confPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Load the configured store paths and serve connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*confPath, *logLevel)
		},
	}
}

func runServe(confPath, logLevel string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("storaged: invalid log level %q: %w", logLevel, err)
	}
	logging.Configure(level, os.Stderr)

	cfg, err := config.Load(confPath)
	if err != nil {
		return fmt.Errorf("storaged: %w", err)
	}

	n, err := node.New(cfg, node.Dependencies{})
	if err != nil {
		return fmt.Errorf("storaged: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("storaged: listen %s: %w", addr, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.WithField("addr", addr).WithField("group", cfg.GroupName).Info("starting storage node")
	if err := n.Run(ctx, ln); err != nil {
		return fmt.Errorf("storaged: %w", err)
	}
	return nil
}
