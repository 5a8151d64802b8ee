// Command gitssh-server runs the server-side session core (C11) of the
// interactive PTY protocol (gitssh/2) over any of the five side-channel
// transports, grounded on the teacher's cmd/wt daemon entrypoint shape
// adapted from an HTTP daemon to a transport-polling session loop.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sidechannel-ssh/gitssh/internal/cli"
	"github.com/sidechannel-ssh/gitssh/internal/logger"
	"github.com/sidechannel-ssh/gitssh/internal/protocol"
	"github.com/sidechannel-ssh/gitssh/internal/server"
	"github.com/sidechannel-ssh/gitssh/internal/syncworker"
)

func main() {
	flags := &cli.Flags{}
	var shellPath string
	var diagInterval time.Duration

	root := &cobra.Command{
		Use:   "gitssh-server",
		Short: "serves an interactive remote shell over a side-channel transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.InitLogging()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			backend, err := flags.BuildBackend(ctx, protocol.GitSSH, true)
			if err != nil {
				return err
			}
			defer backend.Close()

			worker := syncworker.Start(backend, syncworker.Config{
				FetchInterval: flags.FetchInterval,
				PushInterval:  flags.PushInterval,
			})
			defer worker.Close()

			srv := server.New(server.Config{
				Shell:        shellPath,
				Backend:      flags.Transport,
				DiagInterval: diagInterval,
			})
			defer srv.Close()

			stop := make(chan struct{})
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sig
				logger.Info("shutting down")
				close(stop)
			}()

			pollInterval := time.Duration(flags.PollIntervalMS) * time.Millisecond
			return srv.Run(backend, pollInterval, stop)
		},
	}

	cli.RegisterFlags(root, flags, "git")
	root.Flags().StringVar(&shellPath, "shell", "/bin/sh", "shell binary to spawn in the PTY")
	root.Flags().DurationVar(&diagInterval, "diag-interval", 0, "diagnostic heartbeat interval (0 disables)")
	root.SilenceUsage = true
	root.SilenceErrors = true

	if err := root.Execute(); err != nil {
		cli.Exit(err)
	}
}
