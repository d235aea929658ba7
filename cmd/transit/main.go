// Command transit resolves artifacts through the local cache, loads plugin
// descriptors and runs the artifact depot.
//
// Usage:
//
//	transit [--config file] <command> [options] [arguments]
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/dpml/transit/server"
)

func main() {
	app := &cli.App{
		Name:           "transit",
		Usage:          "DPML Transit artifact cache",
		Version:        server.Version,
		ExitErrHandler: exitErrHandler,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "configuration file (.toml, .yaml)",
				EnvVars: []string{"TRANSIT_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override the configured log level",
			},
		},
		Commands: []*cli.Command{
			getCommand(),
			catCommand(),
			putCommand(),
			pluginCommand(),
			partCommand(),
			serveCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

// exitErrHandler prints the error and exits, keeping exit codes from
// cli.Exit.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
