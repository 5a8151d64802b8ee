// Command gitssh-client drives an interactive remote shell over a
// side-channel transport, bridging the local raw-mode terminal to the
// server's PTY (C12).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sidechannel-ssh/gitssh/internal/cli"
	"github.com/sidechannel-ssh/gitssh/internal/client"
	"github.com/sidechannel-ssh/gitssh/internal/protocol"
)

func main() {
	flags := &cli.Flags{}

	root := &cobra.Command{
		Use:   "gitssh-client",
		Short: "connects to a gitssh-server over a side-channel transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.InitLogging()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			backend, err := flags.BuildBackend(ctx, protocol.GitSSH, false)
			if err != nil {
				return err
			}
			defer backend.Close()

			c := client.New(client.Config{
				Protocol:       protocol.GitSSH,
				ConnectTimeout: flags.ConnectTimeout,
				SessionTimeout: flags.SessionTimeout,
			}, backend)

			cols, rows := 80, 24
			if w, h, err := term.GetSize(int(os.Stdin.Fd())); err == nil && w > 0 && h > 0 {
				cols, rows = w, h
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT)
			connectDone := make(chan error, 1)
			go func() { connectDone <- c.Connect(cols, rows) }()

			select {
			case err := <-connectDone:
				if err != nil {
					return err
				}
			case <-sig:
				c.Disconnect()
				os.Exit(cli.ExitKeyboardInterrupt)
			}

			code, err := c.Run()
			if err != nil {
				return err
			}
			os.Exit(code)
			return nil
		},
	}

	cli.RegisterFlags(root, flags, "git")
	root.SilenceUsage = true
	root.SilenceErrors = true

	if err := root.Execute(); err != nil {
		cli.Exit(err)
	}
}
