package main

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v2"

	"github.com/risa-org/avct/config"
	"github.com/risa-org/avct/transport/l2cap"
)

// These values are set at compile-time.
var (
	Version  = "dev"
	Revision = ""
)

func newApp() *cli.App {
	return &cli.App{
		Name:                   "avctd",
		Usage:                  "AV control transport daemon.",
		Version:                Version + " (" + Revision + ")",
		Description:            "Runs the control and browse channels of the AV control transport over L2CAP, or bridged over TCP or WebSocket.",
		Compiled:               time.Now(),
		UseShortOptionHandling: true,
		Suggest:                true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"f"},
				EnvVars: []string{"AVCTD_CONFIG"},
				Usage:   "Read configuration from `FILE`. (default: ./" + config.FileName + " if present)",
			},
			&cli.StringFlag{
				Name:    "transport",
				Aliases: []string{"t"},
				EnvVars: []string{"AVCTD_TRANSPORT"},
				Usage:   "Transport to run on: l2cap, tcp or websocket.",
			},
			&cli.StringFlag{
				Name:    "adapter",
				Aliases: []string{"a"},
				EnvVars: []string{"AVCTD_ADAPTER"},
				Usage:   "Bluetooth adapter to bind to. (For example, hci0)",
			},
			&cli.StringFlag{
				Name:    "address",
				EnvVars: []string{"AVCTD_ADDRESS"},
				Usage:   "Local device address announced on bridged transports.",
			},
			&cli.StringFlag{
				Name:    "listen",
				Aliases: []string{"l"},
				EnvVars: []string{"AVCTD_LISTEN"},
				Usage:   "Accept bridged connections on this address. (For example, ':7017')",
			},
			&cli.StringSliceFlag{
				Name:    "peers",
				Aliases: []string{"p"},
				Usage:   "Route a peer over a bridge, as bdaddr=target. Repeatable.",
			},
			&cli.StringSliceFlag{
				Name:    "connect",
				Aliases: []string{"c"},
				Usage:   "Connect to this peer on start-up. Repeatable.",
			},
			&cli.StringFlag{
				Name:  "profile",
				Usage: "Profile identifier commands must carry. (0 accepts any)",
			},
			&cli.StringFlag{
				Name:  "security",
				Usage: "Security level for outgoing channels: none, low, medium or high.",
			},
			&cli.StringFlag{
				Name:  "collision",
				Usage: "Which channel wins when both sides connect at once: remote or local.",
			},
			&cli.IntFlag{
				Name:  "capacity",
				Usage: "Maximum number of connection records.",
			},
			&cli.IntFlag{
				Name:  "control-mtu",
				Usage: "Fragment outgoing control messages above this size. (0 never fragments)",
			},
			&cli.IntFlag{
				Name:  "browse-mtu",
				Usage: "Reject outgoing browse messages above this size. (0 means no limit)",
			},
			&cli.BoolFlag{
				Name:  "accept-unknown",
				Usage: "Accept channels from peers that have no record yet.",
			},
			&cli.BoolFlag{
				Name:    "browse",
				Aliases: []string{"b"},
				Usage:   "Open the browse channel once control is connected.",
			},
			&cli.StringFlag{
				Name:    "log-level",
				EnvVars: []string{"AVCTD_LOG_LEVEL"},
				Usage:   "Log level: trace, debug, info, warn or error.",
			},
			&cli.BoolFlag{
				Name:  "log-json",
				Usage: "Log in JSON.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "address",
				Usage: "Print the address of a Bluetooth adapter.",
				Action: func(cliCtx *cli.Context) error {
					addr, err := l2cap.AdapterAddress(cliCtx.String("adapter"))
					if err != nil {
						return err
					}
					fmt.Fprintln(cliCtx.App.Writer, addr)
					return nil
				},
			},
		},
		Action: func(cliCtx *cli.Context) error {
			// required for koanf to merge all global flags under the root namespace.
			cliCtx.Command.Name = "global"

			k, cfg := koanf.New("."), config.New()
			if err := cfg.Load(k, cliCtx, cliCtx.String("config")); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return run(cliCtx.Context, &cfg.Values)
		},
		ExitErrHandler: func(_ *cli.Context, err error) {
			if err == nil {
				return
			}

			printError(err)
		},
	}
}
