package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nftbridge/config"
	"nftbridge/gateway"
	"nftbridge/native/accounts"
	"nftbridge/native/bridge"
	"nftbridge/native/nft"
	"nftbridge/observability/logging"
	"nftbridge/relay"
	"nftbridge/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "bridged.toml", "path to bridge daemon configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logging.Setup("bridged", "").Error("load config", "path", cfgPath, "err", err)
		os.Exit(1)
	}
	logger := logging.Setup("bridged", cfg.Role)

	selfAddr, err := bridge.ParseAddress(cfg.BridgeAddress)
	if err != nil {
		logger.Error("parse BridgeAddress", "err", err)
		os.Exit(1)
	}
	messengerAddr, err := bridge.ParseAddress(cfg.MessengerAddress)
	if err != nil {
		logger.Error("parse MessengerAddress", "err", err)
		os.Exit(1)
	}
	otherBridgeAddr, err := bridge.ParseAddress(cfg.OtherBridgeAddress)
	if err != nil {
		logger.Error("parse OtherBridgeAddress", "err", err)
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("open database", "dir", cfg.DataDir, "err", err)
		os.Exit(1)
	}
	defer db.Close()

	registry := nft.NewRegistry(db)
	for _, raw := range cfg.Collections {
		addr, err := bridge.ParseAddress(raw)
		if err != nil {
			logger.Error("parse collection address", "addr", raw, "err", err)
			os.Exit(1)
		}
		if _, err := registry.Register(addr); err != nil {
			logger.Error("register collection", "addr", raw, "err", err)
			os.Exit(1)
		}
	}

	accountRegistry := accounts.NewRegistry(db)
	for _, raw := range cfg.ContractAccounts {
		addr, err := bridge.ParseAddress(raw)
		if err != nil {
			logger.Error("parse contract account", "addr", raw, "err", err)
			os.Exit(1)
		}
		if err := accountRegistry.MarkContract(addr); err != nil {
			logger.Error("mark contract account", "addr", raw, "err", err)
			os.Exit(1)
		}
	}

	messenger := relay.NewHTTPMessenger(messengerAddr, selfAddr, cfg.RelayEndpoint, []byte(cfg.RelaySecret), logger)

	engine := bridge.NewEngine(bridge.Config{
		Self:        selfAddr,
		Messenger:   messengerAddr,
		OtherBridge: otherBridgeAddr,
	}, bridge.NewLedger(db))
	engine.SetMessenger(messenger)
	engine.SetTokens(registry)
	engine.SetAccounts(accountRegistry)
	messenger.SetHandler(engine)

	server := gateway.NewServer(engine, messenger, logger)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("bridge daemon listening",
			"addr", cfg.ListenAddress,
			"bridge", cfg.BridgeAddress,
			"otherBridge", cfg.OtherBridgeAddress,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "err", err)
	}
	logger.Info("bridge daemon stopped")
}
