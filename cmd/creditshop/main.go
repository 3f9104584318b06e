package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/iurnickita/creditshop/internal/auth"
	"github.com/iurnickita/creditshop/internal/config"
	"github.com/iurnickita/creditshop/internal/events"
	"github.com/iurnickita/creditshop/internal/handler"
	"github.com/iurnickita/creditshop/internal/logger"
	"github.com/iurnickita/creditshop/internal/service"
	"github.com/iurnickita/creditshop/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return err
	}
	defer zaplog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := store.NewStore(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	// без брокера события пишутся в лог
	var publisher events.Publisher = events.NewLogPublisher(zaplog)
	if cfg.Events.AMQPURL != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.Events, zaplog)
		if err != nil {
			return err
		}
		defer amqpPublisher.Close()
		publisher = amqpPublisher
	}

	auth := auth.NewAuth(cfg.Handler.TokenSecret)
	service := service.NewService(cfg.Service, store, publisher, zaplog)

	go service.RunSweeper(ctx)

	err = handler.Serve(ctx, cfg.Handler, auth, service, zaplog)
	if errors.Is(err, http.ErrServerClosed) {
		zaplog.Info("server stopped")
		return nil
	}
	return err
}
