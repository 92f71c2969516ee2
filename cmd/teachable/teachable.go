package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/teachable/pkg/nnload"
	"github.com/cyclopcam/teachable/server"
	"github.com/cyclopcam/teachable/server/config"
)

func main() {
	parser := argparse.NewParser("teachable", "Teach an image classifier from the browser")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Config file path", Default: config.DefaultFilename})
	listen := parser.String("", "listen", &argparse.Options{Help: "HTTP listen address, eg :8090 (overrides config)", Default: ""})
	modelDir := parser.String("", "models", &argparse.Options{Help: "Model directory (overrides config)", Default: ""})
	variant := parser.Selector("", "variant", nnload.DetectorVariants, &argparse.Options{Help: "Object detector backbone (overrides config)"})
	downloadOnly := parser.Flag("", "download", &argparse.Options{Help: "Download missing model files and exit", Default: false})
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
	defer logger.Close()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *modelDir != "" {
		cfg.Models.Dir = *modelDir
	}
	if *variant != "" {
		cfg.Models.DetectorVariant = *variant
	}

	if *downloadOnly {
		if err := download(logger, cfg); err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		return
	}

	models := server.LoadModels(logger, cfg)
	srv, err := server.NewServer(logger, cfg, models)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	srv.ListenForKillSignals()
	daemon.SdNotify(false, daemon.SdNotifyReady)

	err = srv.ListenHTTP(cfg.Listen)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Errorf("ListenHTTP returned: %v", err)
	}
	srv.Shutdown()
	if err := <-srv.ShutdownComplete; err != nil {
		logger.Warnf("%v", err)
	}
}

func download(log logs.Log, cfg *config.Config) error {
	opt := nnload.Options{
		ModelDir: cfg.Models.Dir,
		BaseURL:  cfg.Models.BaseURL,
	}
	detector, err := nnload.DetectorModelName(cfg.Models.DetectorVariant)
	if err != nil {
		return err
	}
	for _, name := range []string{cfg.Models.FeatureExtractor, cfg.Models.ImageClassifier, detector} {
		if err := nnload.DownloadModel(log, opt, name); err != nil {
			return err
		}
	}
	return nil
}
