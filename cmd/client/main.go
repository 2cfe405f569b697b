package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/urfave/cli/v3"

	"securechat/internal/cryptographic/asymmetric"
	"securechat/internal/service/app"
	"securechat/internal/utils/log"
)

func main() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	cmd := &cli.Command{
		Name:  "securechat-client",
		Usage: "Terminal client for the encrypted LAN chat",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Value:   "localhost:9090",
				Usage:   "Server host:port",
			},
			&cli.StringFlag{
				Name:     "user",
				Aliases:  []string{"u"},
				Required: true,
				Usage:    "Your user id",
			},
			&cli.StringFlag{
				Name:    "to",
				Aliases: []string{"t"},
				Usage:   "Recipient user id (empty broadcasts to everyone)",
			},
			&cli.IntFlag{
				Name:  "bits",
				Value: asymmetric.DefaultKeyBits,
				Usage: "RSA modulus size of the client key pair (at least 1024)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "error",
				Usage: "Log level; logs go to stderr underneath the UI",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := log.Init(cmd.String("log-level"), false); err != nil {
				return err
			}
			defer log.Sync()

			c := app.NewApp(cmd.String("server"), cmd.Int("bits"))
			return c.Run(ctx, cmd.String("user"), cmd.String("to"))
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		memguard.SafeExit(1)
	}
}
