// Package cmd is responsible for the program's command-line interface.
package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/AdguardTeam/golibs/log"
	"github.com/ameshkov/sniparse/internal/dnsproxy"
	"github.com/ameshkov/sniparse/internal/metrics"
	"github.com/ameshkov/sniparse/internal/sniproxy"
	"github.com/ameshkov/sniparse/internal/version"
	goFlags "github.com/jessevdk/go-flags"
)

// Main is the entry point of the program.
func Main() {
	for _, arg := range os.Args {
		if arg == "--version" {
			fmt.Printf("sniparse version: %s\n", version.VersionString)
			os.Exit(0)
		}
	}

	options := &Options{}
	parser := goFlags.NewParser(options, goFlags.Default)
	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*goFlags.Error); ok && flagsErr.Type == goFlags.ErrHelp {
			os.Exit(0)
		}

		os.Exit(1)
	}

	if options.Verbose {
		log.SetLevel(log.DEBUG)
	}

	if options.LogOutput != "" {
		var file *os.File
		file, err = os.OpenFile(options.LogOutput, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			log.Fatalf("cmd: cannot create a log file: %s", err)
		}
		defer log.OnCloserError(file, log.INFO)
		log.SetOutput(file)
	}

	err = run(options)
	if err != nil {
		log.Fatalf("%s", err)
	}
}

// run starts all services according to options and waits for a termination
// signal.
func run(options *Options) (err error) {
	log.Info("cmd: run sniparse with the following configuration:\n%s", options)

	closers, err := start(options)
	defer func() {
		// Stop in reverse order.
		for i := len(closers) - 1; i >= 0; i-- {
			log.OnCloserError(closers[i], log.INFO)
		}
	}()
	if err != nil {
		return err
	}

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)
	<-signalChannel

	log.Info("cmd: stopping sniparse")

	return nil
}

// start starts the services configured by options.  The returned closers are
// the services that were started, even if err is not nil.
func start(options *Options) (closers []io.Closer, err error) {
	var m *metrics.Metrics
	if options.MetricsAddress != "" {
		m = metrics.New()
		srv := metrics.NewServer(options.MetricsAddress, m)
		if err = srv.Start(); err != nil {
			return closers, err
		}

		closers = append(closers, srv)
	}

	dnsCfg, err := toDNSProxyConfig(options)
	if err != nil {
		return closers, err
	}

	if dnsCfg != nil {
		var d *dnsproxy.DNSProxy
		d, err = dnsproxy.New(dnsCfg)
		if err != nil {
			return closers, err
		}

		if err = d.Start(); err != nil {
			return closers, err
		}

		closers = append(closers, d)
	}

	proxyCfg, err := toSNIProxyConfig(options, m)
	if err != nil {
		return closers, err
	}

	p, err := sniproxy.New(proxyCfg)
	if err != nil {
		return closers, err
	}

	if err = p.Start(); err != nil {
		return closers, err
	}

	return append(closers, p), nil
}
