package main

import (
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/log"
	"github.com/joho/godotenv"

	"github.com/ethereum-optimism/infra/benchproxy"
)

var (
	GitVersion = ""
	GitCommit  = ""
	GitDate    = ""
)

func main() {
	// Init logging
	benchproxy.SetLogLevel(log.LevelInfo)

	log.Info(
		"starting benchproxy",
		"version", GitVersion,
		"commit", GitCommit,
		"date", GitDate,
	)

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("error loading .env file", "err", err)
	}

	config := benchproxy.NewConfig()
	if len(os.Args) > 1 {
		if _, err := toml.DecodeFile(os.Args[1], config); err != nil {
			log.Crit("error reading config file", "err", err)
		}
	}
	if err := config.ApplyEnvOverrides(os.LookupEnv); err != nil {
		log.Crit("error applying environment overrides", "err", err)
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		log.Crit("invalid config", "err", err)
	}

	logLevel, err := benchproxy.LevelFromString(config.Server.LogLevel)
	if err != nil {
		log.Crit("invalid log level", "err", err)
	}
	benchproxy.SetLogLevel(logLevel)

	_, shutdown, err := benchproxy.Start(config)
	if err != nil {
		log.Crit("error starting benchproxy", "err", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	recvSig := <-sig
	log.Info("caught signal, shutting down", "signal", recvSig)
	shutdown()
}
