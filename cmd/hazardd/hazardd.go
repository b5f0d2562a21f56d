package main

import (
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/hazards/server"
	"github.com/cyclopcam/hazards/server/config"
	"github.com/cyclopcam/logs"
)

func main() {
	parser := argparse.NewParser("hazardd", "Road hazard detection service")
	configFile := parser.String("c", "config", &argparse.Options{Help: "JSON configuration file", Default: ""})
	envFile := parser.String("", "env", &argparse.Options{Help: "Environment file, loaded before the configuration", Default: ".env"})
	addr := parser.String("", "addr", &argparse.Options{Help: "HTTP listen address, eg :8080", Default: ""})
	backendURL := parser.String("", "backend", &argparse.Options{Help: "Base URL of the inference service", Default: ""})
	classesFile := parser.String("", "classes", &argparse.Options{Help: "Text file with one class name per line", Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if err := config.LoadEnvFile(*envFile); err != nil {
		logger.Errorf("Failed to load %v: %v", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	// Command line wins over the config file and the environment
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *backendURL != "" {
		cfg.Model.BackendURL = *backendURL
	}
	if *classesFile != "" {
		cfg.Model.ClassesFile = *classesFile
	}
	if err := cfg.Validate(); err != nil {
		logger.Errorf("Invalid configuration: %v", err)
		os.Exit(1)
	}

	srv, err := server.NewServer(logger, cfg)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	srv.ListenForKillSignals()

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	if err := srv.ListenHTTP(); err != nil {
		logger.Errorf("ListenHTTP returned: %v", err)
		srv.Shutdown()
		os.Exit(1)
	}
	<-srv.ShutdownComplete
	logger.Infof("Exiting")
}
