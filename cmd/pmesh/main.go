package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/ankouros/pmesh/internal/app"
	"github.com/ankouros/pmesh/internal/buildinfo"
	"github.com/ankouros/pmesh/internal/config"
	"github.com/ankouros/pmesh/internal/logger"
)

var (
	showVersion   = flag.Bool("version", false, "print version and exit")
	name          = flag.String("name", "", "display name announced to peers")
	deviceType    = flag.String("type", "", "device type announced to peers")
	transferPort  = flag.Int("transfer-port", 0, "TCP port for file transfer")
	discoveryPort = flag.Int("discovery-port", 0, "UDP port for discovery")
	downloadDir   = flag.String("download-dir", "", "directory for downloaded files")
	metricsAddr   = flag.String("metrics", "", "serve Prometheus metrics on this address")
	insecure      = flag.Bool("insecure", false, "run without a mesh secret")
	debug         = flag.Bool("debug", false, "enable debug logging")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [file ...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Println(buildinfo.String())
		os.Exit(0)
	}
	if *debug {
		logger.SetGlobalLevel(slog.LevelDebug)
	}
	log := logger.Logger("main")

	cfg, path, err := config.EnsureConfig()
	if err != nil {
		log.Error("load config", "err", err)
		os.Exit(1)
	}
	applyFlags(&cfg)
	log.Info("starting", "version", buildinfo.String(), "config", path)

	if err := app.Run(cfg, flag.Args()); err != nil {
		log.Error("exit", "err", err)
		os.Exit(1)
	}
}

// applyFlags overrides only the settings given on the command line.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "name":
			cfg.DisplayName = *name
		case "type":
			cfg.DeviceType = *deviceType
		case "transfer-port":
			cfg.TransferPort = *transferPort
		case "discovery-port":
			cfg.DiscoveryPort = *discoveryPort
		case "download-dir":
			cfg.DownloadDir = *downloadDir
		case "metrics":
			cfg.MetricsAddr = *metricsAddr
		case "insecure":
			cfg.Insecure = *insecure
		}
	})
}
