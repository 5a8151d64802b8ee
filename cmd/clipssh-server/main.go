// Command clipssh-server serves the clipssh/1 request/response shell: a
// single shared clipboard slot carries cmd requests and stdout/stderr/exit
// replies, one shell invocation per command.
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

	root := &cobra.Command{
		Use:   "clipssh-server",
		Short: "serves one-shot shell commands over the shared clipboard slot",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.InitLogging()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			backend, err := flags.BuildBackend(ctx, protocol.ClipSSH, true)
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
				Shell:   shellPath,
				Backend: flags.Transport,
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

	cli.RegisterFlags(root, flags, "clipboard")
	root.Flags().StringVar(&shellPath, "shell", "/bin/sh", "shell binary used to run each command")
	root.SilenceUsage = true
	root.SilenceErrors = true

	if err := root.Execute(); err != nil {
		cli.Exit(err)
	}
}
