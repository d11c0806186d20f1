// Package main is the arducap command, converting ArduPilot dataflash logs
// into MCAP files for visualization tooling.
package main

import (
	"os"

	"github.com/edaniels/golog"
	"github.com/urfave/cli/v2"

	"go.viam.com/arducap/pipeline"
)

func main() {
	app := &cli.App{
		Name:      "arducap",
		Usage:     "convert ArduPilot dataflash logs to MCAP",
		ArgsUsage: "<logfile.bin>...",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return cli.ShowAppHelp(c)
			}

			var logger golog.Logger
			if c.Bool("debug") {
				logger = golog.NewDebugLogger("arducap")
			} else {
				logger = golog.NewLogger("arducap")
			}

			for _, path := range c.Args().Slice() {
				if err := pipeline.ProcessFile(path, logger); err != nil {
					return err
				}
			}
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		golog.Global().Fatal(err)
	}
}
