// Command clipssh-client runs a single shell command on a clipssh-server
// over the shared clipboard slot and prints its stdout/stderr, exiting
// with the remote command's exit code.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sidechannel-ssh/gitssh/internal/cli"
	"github.com/sidechannel-ssh/gitssh/internal/client"
	"github.com/sidechannel-ssh/gitssh/internal/protocol"
)

func main() {
	flags := &cli.Flags{}

	root := &cobra.Command{
		Use:   "clipssh-client [command...]",
		Short: "runs a command on a clipssh-server over the shared clipboard slot",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.InitLogging()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			backend, err := flags.BuildBackend(ctx, protocol.ClipSSH, false)
			if err != nil {
				return err
			}
			defer backend.Close()

			c := client.NewCommandClient(client.CommandConfig{
				ConnectTimeout: flags.ConnectTimeout,
			}, backend)

			if err := c.Connect(); err != nil {
				return err
			}
			defer c.Disconnect()

			result, err := c.Run(strings.Join(args, " "))
			if err != nil {
				return err
			}

			fmt.Fprint(os.Stdout, result.Stdout)
			fmt.Fprint(os.Stderr, result.Stderr)
			os.Exit(result.ExitCode)
			return nil
		},
	}

	cli.RegisterFlags(root, flags, "clipboard")
	root.SilenceUsage = true
	root.SilenceErrors = true

	if err := root.Execute(); err != nil {
		cli.Exit(err)
	}
}
