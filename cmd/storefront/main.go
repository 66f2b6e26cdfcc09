package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/pixloja/storefront/internal/catalog"
	"github.com/pixloja/storefront/internal/config"
	"github.com/pixloja/storefront/internal/httpx"
	kafkax "github.com/pixloja/storefront/internal/kafka"
	"github.com/pixloja/storefront/internal/ledger"
	"github.com/pixloja/storefront/internal/pix"
	"github.com/pixloja/storefront/internal/platform"
	"github.com/pixloja/storefront/internal/redisx"
	"github.com/pixloja/storefront/internal/storefront"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stores
	cat, err := catalog.Open(filepath.Join(cfg.DataDir, "products"))
	if err != nil {
		log.Fatalf("catalog: %v", err)
	}
	book, err := ledger.Open(filepath.Join(cfg.DataDir, "transactions"))
	if err != nil {
		log.Fatalf("ledger: %v", err)
	}

	// Payment gateway
	gw := pix.NewClient(cfg.MPAPIURL, cfg.MPAccessToken)

	// Chat platform
	var chat platform.Client
	if cfg.DiscordToken != "" {
		d, err := platform.NewDiscord(cfg.DiscordToken, cfg.DiscordGuild)
		if err != nil {
			log.Fatalf("discord: %v", err)
		}
		defer d.Close()
		chat = d
	} else {
		log.Printf("DISCORD_TOKEN not set, using logging platform adapter")
		chat = &platform.LogClient{}
	}

	svc := storefront.New(cat, book, gw, chat)
	svc.Grace = cfg.TeardownGrace

	// Kafka producer (optional)
	var prod *kafkax.Producer
	if len(cfg.KafkaBrokers) > 0 {
		prod = kafkax.NewProducer(cfg.KafkaBrokers, storefront.TopicSales, 1024)
		prod.Start(ctx)
		svc.Events = &storefront.EventPublisher{Producer: prod, Service: cfg.ServiceName}
	}

	// Redis settlement dedup (optional)
	if cfg.RedisAddr != "" {
		rdb := redisx.New(cfg.RedisAddr)
		defer rdb.Close()
		svc.Dedup = &storefront.DedupGuard{RDB: rdb}
	}

	// Reconciliation loop
	rec := &storefront.Reconciler{Svc: svc, Interval: cfg.PollInterval, MaxAge: cfg.ChargeMaxAge}
	go rec.Run(ctx)

	// Ops HTTP server
	router := httpx.NewRouter()
	sh := &httpx.StorefrontHandler{Svc: svc}
	sh.Register(router)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		log.Printf("ops HTTP listening at %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	if prod != nil {
		prod.Close() // close inbox -> flush & close writer
	}
	cancel() // stop reconciler and producer loop
	if prod != nil {
		prod.WaitClosed() // drain
	}
}
