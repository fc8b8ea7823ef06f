// Command voipd is the point-to-point VoIP server: it runs the UDP audio
// transport (receive loop, jitter buffer, call control) and the HTTPS
// signaling bridge side by side in one process.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"

	"github.com/rustyguts/voip/internal/config"
	"github.com/rustyguts/voip/internal/signaling"
	"github.com/rustyguts/voip/internal/store"
	"github.com/rustyguts/voip/internal/tlsconf"
	"github.com/rustyguts/voip/internal/transport"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	cfg, err := config.Load(os.Args[1:], config.Default())
	if err != nil {
		log.Fatalw("config", "error", err)
	}

	listenIP := net.ParseIP(cfg.ListenIP)
	if listenIP == nil {
		log.Fatalw("config", "error", "invalid listen-ip", "value", cfg.ListenIP)
	}

	st, err := store.New(cfg.DBPath, log.Named("store"))
	if err != nil {
		log.Fatalw("store", "error", err)
	}
	defer st.Close()

	tlsConfig, err := tlsconf.Load(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		log.Warnw("falling back to a self-signed certificate; configure --cert/--key for production", "error", err)
		var fingerprint string
		tlsConfig, fingerprint, err = tlsconf.GenerateSelfSigned(cfg.CertValidity, cfg.ListenIP)
		if err != nil {
			log.Fatalw("tls", "error", err)
		}
		log.Infow("generated self-signed certificate", "fingerprint", fingerprint)
	}

	ctrl, err := transport.NewController(listenIP, log.Named("transport"))
	if err != nil {
		log.Fatalw("transport", "error", err)
	}
	defer ctrl.Close()
	ctrl.SetJitterDelayMS(cfg.JitterDelayMS)

	commands := make(chan transport.Command, transport.CommandChannelCapacity)
	registry := signaling.NewRegistry()
	manager := signaling.NewManager(registry, commands).WithHistory(st)
	ctrl.OnCallEnd = manager.OnCallEnded
	httpServer := signaling.NewServer(registry, manager, ctrl, log.Named("signaling")).WithHistory(st)
	httpServer.TLSConfig = tlsConfig
	httpServer.ShutdownGrace = cfg.ShutdownGrace

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	go ctrl.Run(ctx, commands)

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now()
				for _, id := range registry.PurgeStale(now) {
					log.Infow("user marked offline after missed heartbeats", "user_id", id)
				}
			}
		}
	}()

	httpServer.Run(ctx, cfg.SignalingAddr)
}
