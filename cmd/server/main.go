package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"securechat/internal/cryptographic/asymmetric"
	"securechat/internal/utils/log"
)

func main() {
	cmd := &cli.Command{
		Name:  "securechat-server",
		Usage: "Encrypted LAN chat server",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runServe(ctx)
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Start the websocket and HTTP server",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runServe(ctx)
				},
			},
			{
				Name:  "keygen",
				Usage: "Generate an RSA private key for RSA_PRIVATE_KEY_FILE",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "out",
						Aliases:  []string{"o"},
						Required: true,
						Usage:    "Path of the PKCS#8 PEM file to write",
					},
					&cli.IntFlag{
						Name:    "bits",
						Aliases: []string{"b"},
						Value:   asymmetric.DefaultKeyBits,
						Usage:   "RSA modulus size (at least 1024)",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runKeygen(cmd.String("out"), cmd.Int("bits"))
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Error("application error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	_ = log.Sync()
}
