package command

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/mitchellh/cli"
)

// Run is the CLI entry point.
func Run(args []string) int {
	ui := &cli.BasicUi{
		Reader:      os.Stdin,
		Writer:      os.Stdout,
		ErrorWriter: os.Stderr,
	}

	c := cli.NewCLI("helios", "1.0.0")
	c.Args = args
	c.Commands = map[string]cli.CommandFactory{
		"server": func() (cli.Command, error) {
			return &ServerCommand{
				UI:         ui,
				ShutdownCh: MakeShutdownCh(),
				SighupCh:   MakeSighupCh(),
			}, nil
		},
	}

	exitCode, err := c.Run()
	if err != nil {
		ui.Error(err.Error())
		return 1
	}
	return exitCode
}

// MakeShutdownCh returns a channel that sends on SIGINT/SIGTERM.
func MakeShutdownCh() chan struct{} {
	resultCh := make(chan struct{})

	shutdownCh := make(chan os.Signal, 4)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range shutdownCh {
			resultCh <- struct{}{}
		}
	}()
	return resultCh
}

// MakeSighupCh returns a channel that sends on SIGHUP.
func MakeSighupCh() chan struct{} {
	resultCh := make(chan struct{})

	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, syscall.SIGHUP)
	go func() {
		for range signalCh {
			resultCh <- struct{}{}
		}
	}()
	return resultCh
}
