package command

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/errwrap"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-secure-stdlib/gatedwriter"
	"github.com/hashicorp/go-secure-stdlib/reloadutil"
	"github.com/mitchellh/cli"
	"github.com/posener/complete"
	"golang.org/x/sys/unix"

	"github.com/helioskv/helios/helios"
	"github.com/helioskv/helios/helios/reactor"
	"github.com/helioskv/helios/internalshared/configutil"
)

// ServerCommand starts the key-value server: one reactor goroutine owning
// every socket, with TLS layered on per the config file's tls block.
type ServerCommand struct {
	UI cli.Ui

	ShutdownCh chan struct{}
	SighupCh   chan struct{}

	flagConfig   string
	flagLogLevel string

	logOutput   io.Writer
	gatedWriter *gatedwriter.Writer
	logger      hclog.InterceptLogger

	reloadFuncs map[string][]reloadutil.ReloadFunc
}

func (c *ServerCommand) Synopsis() string {
	return "Start a helios server"
}

func (c *ServerCommand) Help() string {
	helpText := `
Usage: helios server -config=<path> [options]

  Start a helios server with the given configuration file.

  -config=<path>     Path to the HCL configuration file.
  -log-level=<level> Override the configured log level
                     (trace, debug, info, warn, error).
`
	return strings.TrimSpace(helpText)
}

func (c *ServerCommand) AutocompleteFlags() complete.Flags {
	return complete.Flags{
		"-config":    complete.PredictFiles("*.hcl"),
		"-log-level": complete.PredictSet("trace", "debug", "info", "warn", "error"),
	}
}

func (c *ServerCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *ServerCommand) Run(args []string) int {
	flags := flag.NewFlagSet("server", flag.ContinueOnError)
	flags.StringVar(&c.flagConfig, "config", "", "")
	flags.StringVar(&c.flagLogLevel, "log-level", "", "")
	flags.Usage = func() { c.UI.Error(c.Help()) }
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if c.flagConfig == "" {
		c.UI.Error("A -config flag is required")
		return 1
	}

	config, err := configutil.LoadConfigFile(c.flagConfig)
	if err != nil {
		c.UI.Error(errwrap.Wrapf("error loading configuration: {{err}}", err).Error())
		return 1
	}
	if config.TLS == nil {
		config.TLS = &configutil.TLS{}
	}
	if err := config.TLS.Load(); err != nil {
		c.UI.Error(errwrap.Wrapf("error loading TLS material: {{err}}", err).Error())
		return 1
	}

	// Hold log output back until startup has either succeeded or failed,
	// so operator errors are not buried in boot noise.
	c.logOutput = os.Stderr
	c.gatedWriter = gatedwriter.NewWriter(c.logOutput)
	defer c.gatedWriter.Flush()

	logLevel := config.LogLevel
	if c.flagLogLevel != "" {
		logLevel = c.flagLogLevel
	}
	c.logger = hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:       "helios",
		Level:      hclog.LevelFromString(logLevel),
		Output:     c.gatedWriter,
		JSONFormat: strings.EqualFold(config.LogFormat, "json"),
	})

	if _, err := configutil.SetupTelemetry(config.Telemetry); err != nil {
		c.UI.Error(errwrap.Wrapf("error initializing telemetry: {{err}}", err).Error())
		return 1
	}

	perfMode := helios.PerformanceModeByName(config.TLS.PerformanceMode)
	if config.TLS.PerformanceMode == "" {
		perfMode = 0
	}
	if perfMode < 0 {
		c.UI.Error(fmt.Sprintf("Invalid ssl_performance_mode: %q", config.TLS.PerformanceMode))
		return 1
	}

	loop, err := reactor.NewLoop(c.logger.Named("reactor"))
	if err != nil {
		c.UI.Error(errwrap.Wrapf("error creating event loop: {{err}}", err).Error())
		return 1
	}
	defer loop.Close()

	srv, err := helios.NewServer(
		helios.ServerOptions{
			ListenAddr: config.ListenAddress,
			MaxClients: config.MaxClients,
			Masterhost: config.Masterhost,
		},
		helios.Settings{
			EnableSsl:       config.TLS.EnableSsl,
			Certificate:     config.TLS.Certificate,
			CertificateFile: config.TLS.CertificateFile,
			PrivateKey:      config.TLS.PrivateKey,
			PrivateKeyFile:  config.TLS.PrivateKeyFile,
			DHParams:        config.TLS.DHParams,
			DHParamsFile:    config.TLS.DHParamsFile,
			CipherPrefs:     config.TLS.CipherPrefs,
			RootCACertsPath: config.TLS.RootCACertsPath,
			PerformanceMode: perfMode,
			MaxClients:      config.MaxClients,
		},
		loop, c.logger)
	if err != nil {
		c.UI.Error(errwrap.Wrapf("error building server: {{err}}", err).Error())
		return 1
	}

	c.reloadFuncs = map[string][]reloadutil.ReloadFunc{}
	if config.TLS.EnableSsl {
		cg := reloadutil.NewCertificateGetter(config.TLS.CertificateFile, config.TLS.PrivateKeyFile, "")
		c.reloadFuncs["tls"] = append(c.reloadFuncs["tls"], cg.Reload)
	}

	if err := srv.Start(); err != nil {
		c.UI.Error(errwrap.Wrapf("error starting server: {{err}}", err).Error())
		return 1
	}

	if config.PidFile != "" {
		if err := os.WriteFile(config.PidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
			c.UI.Error(errwrap.Wrapf("error writing pid file: {{err}}", err).Error())
			return 1
		}
		defer os.Remove(config.PidFile)
	}

	// Signals are raised on arbitrary goroutines; the loop owns all
	// state, so a self-pipe carries them onto the loop thread.
	if err := c.installSignalHandler(loop, srv, config); err != nil {
		c.UI.Error(errwrap.Wrapf("error installing signal handler: {{err}}", err).Error())
		return 1
	}

	c.UI.Output("==> helios server started! Log data will stream in below:\n")
	c.gatedWriter.Flush()

	loop.Serve()
	srv.Stop()
	return 0
}

// installSignalHandler bridges the signal channels onto the reactor via a
// pipe, so shutdown and certificate reload both run on the loop goroutine.
func (c *ServerCommand) installSignalHandler(loop *reactor.Loop, srv *helios.Server, config *configutil.Config) error {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return err
	}
	readFd, writeFd := p[0], p[1]

	go func() {
		for {
			var b [1]byte
			select {
			case <-c.ShutdownCh:
				b[0] = 's'
			case <-c.SighupCh:
				b[0] = 'h'
			}
			_, _ = unix.Write(writeFd, b[:])
		}
	}()

	return loop.Register(readFd, reactor.Readable, func(fd int, data interface{}, mask reactor.Mask) {
		buf := make([]byte, 16)
		n, _ := unix.Read(fd, buf)
		for i := 0; i < n; i++ {
			switch buf[i] {
			case 's':
				c.logger.Info("shutdown triggered")
				loop.Stop()
			case 'h':
				c.logger.Info("reload triggered")
				c.reload(srv, config)
			}
		}
	}, nil)
}

// reload re-validates and re-reads the certificate material and rotates the
// live server configuration.
func (c *ServerCommand) reload(srv *helios.Server, config *configutil.Config) {
	if !config.TLS.EnableSsl {
		return
	}
	for _, relFunc := range c.reloadFuncs["tls"] {
		if relFunc == nil {
			continue
		}
		if err := relFunc(); err != nil {
			c.logger.Error("error validating reloaded certificate", "error", err)
			return
		}
	}

	reloaded := *config.TLS
	if err := reloaded.Load(); err != nil {
		c.logger.Error("error re-reading TLS material", "error", err)
		return
	}
	if err := srv.Ssl().RenewCertificate(reloaded.Certificate, reloaded.PrivateKey,
		reloaded.CertificateFile, reloaded.PrivateKeyFile); err != nil {
		c.logger.Error("error renewing certificate", "error", err)
		return
	}
	c.logger.Info("certificate renewed from disk")
}
