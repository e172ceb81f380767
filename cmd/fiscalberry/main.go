// Command fiscalberry relays print and fiscal commands received from the
// message queue and the socket hub to the configured printers.
//
// Usage:
//
//	fiscalberry -config /etc/fiscalberry/config.toml
//	fiscalberry -list-ports
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/paxapos/fiscalberry-sub001/config"
	"github.com/paxapos/fiscalberry-sub001/driver"
	"github.com/paxapos/fiscalberry-sub001/internal/app"
	"github.com/paxapos/fiscalberry-sub001/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.toml", "configuration file (.toml, .yaml or .yml)")
	listPorts := flag.Bool("list-ports", false, "print the serial ports and exit")
	flag.Parse()

	if *listPorts {
		return printPorts()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fiscalberry: %v\n", err)
		return 2
	}

	log := logger.NewSlogWithConfig(cfg.LoggerConfig())
	defer func() { _ = log.Close() }()
	logger.SetDefault(log)

	for _, key := range cfg.Undecoded {
		log.Warn("unknown configuration key", "key", key)
	}

	a, err := app.New(cfg, app.WithLogger(log))
	if err != nil {
		log.Error("failed to build application", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		log.Error("fiscalberry terminated", "error", err)
		return 1
	}

	return 0
}

func printPorts() int {
	ports, err := driver.ListSerialPorts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fiscalberry: list serial ports: %v\n", err)
		return 1
	}
	if len(ports) == 0 {
		fmt.Println("no serial ports found")
		return 0
	}
	for _, p := range ports {
		fmt.Println(p)
	}

	return 0
}
