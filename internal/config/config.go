package config

import (
	"flag"
	"os"
	"time"

	"github.com/caarlos0/env/v6"

	eventsConfig "github.com/iurnickita/creditshop/internal/events/config"
	handlerConfig "github.com/iurnickita/creditshop/internal/handler/config"
	loggerConfig "github.com/iurnickita/creditshop/internal/logger/config"
	serviceConfig "github.com/iurnickita/creditshop/internal/service/config"
	storeConfig "github.com/iurnickita/creditshop/internal/store/config"
)

type Config struct {
	Handler handlerConfig.Config
	Service serviceConfig.Config
	Store   storeConfig.Config
	Logger  loggerConfig.Config
	Events  eventsConfig.Config
}

// GetConfig reads flags and lets environment variables override them.
func GetConfig() (Config, error) {
	return parse(flag.CommandLine, os.Args[1:])
}

func parse(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config

	fs.StringVar(&cfg.Handler.ServerAddr, "a", "localhost:8080", "address to listen on")
	fs.StringVar(&cfg.Handler.TokenSecret, "s", "", "token signing secret")
	fs.StringVar(&cfg.Store.DBDsn, "d", "", "database connection string")
	fs.StringVar(&cfg.Logger.LogLevel, "l", "info", "log level")
	fs.StringVar(&cfg.Logger.LogFile, "log-file", "", "rotated log file")
	fs.StringVar(&cfg.Service.Provider.Addr, "p", "", "fulfillment provider address")
	fs.DurationVar(&cfg.Service.Provider.Timeout, "provider-timeout", 15*time.Second, "provider request timeout")
	fs.IntVar(&cfg.Service.RetryConcurrency, "retry-concurrency", 4, "parallel retries of failed fulfillments")
	fs.DurationVar(&cfg.Service.SweepInterval, "sweep-interval", time.Minute, "stuck order check interval")
	fs.DurationVar(&cfg.Service.StuckAfter, "stuck-after", 10*time.Minute, "processing age after which an order is failed")
	fs.StringVar(&cfg.Events.AMQPURL, "amqp", "", "event broker url")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	// переменные окружения важнее флагов
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
