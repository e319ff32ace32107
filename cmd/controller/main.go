package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"linebus/adminapi"
	"linebus/busconfig"
	"linebus/controller"
	"linebus/entropy"
	"linebus/peer"
	"linebus/serial"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables only")
	}

	log.Println("===================================")
	log.Println(" LINEBUS CONTROLLER")
	log.Println("===================================")

	cfg := busconfig.FromEnv()
	log.Printf("config: %d targets, reply_timeout=%s known_timeout=%s",
		cfg.MaxTargets, cfg.ReplyTimeout, cfg.KnownTimeout)

	rng := entropy.NewMathRand(cryptoSeed())

	hub := adminapi.NewEventHub(allowedOrigins())
	hubStop := make(chan struct{})
	go hub.Run(hubStop)

	ctrl := controller.New(cfg, rng, func(ev peer.Event) {
		hub.Publish(ev)
		switch ev.Kind {
		case peer.Connected:
			log.Printf("peer connected: addr=%d mac=%#x", ev.Addr, ev.MAC)
		case peer.Disconnected:
			log.Printf("peer disconnected: addr=%d mac=%#x", ev.Addr, ev.MAC)
		}
	})

	// A real deployment replaces this loopback with a FrameSerial backed
	// by the actual RS-485/UART transport. Nothing reads the loopback's
	// far side here, and Loopback writes block until the far side reads,
	// so the first Step waits in SendFrame until shutdown cancels ctx.
	busSide, farSide := serial.NewLoopback()
	_ = farSide

	debugCfg := adminapi.DefaultDebugServerConfig()
	if os.Getenv("DISABLE_DEBUG_SERVER") != "true" {
		if err := adminapi.StartDebugServer(debugCfg); err != nil {
			log.Printf("debug server disabled: %v", err)
		}
	}

	limiter := adminapi.NewIPRateLimiter(20, 40)
	srv := adminapi.NewServer(adminapi.RouterConfig{
		Controller:  ctrl,
		RateLimiter: limiter,
		EventHub:    hub,
		CORSOrigins: corsOrigins(),
	})

	addr := ":" + getEnvWithDefault("LINEBUS_ADMIN_ADDR", "8080")
	go func() {
		log.Printf("admin API on http://localhost%s", addr)
		if err := srv.Start(addr); err != nil {
			log.Printf("admin server stopped: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pollLoop(ctx, ctrl, busSide)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	log.Println("controller ready, press Ctrl+C to stop")
	<-quit

	log.Println("shutting down...")
	cancel()
	close(hubStop)
	log.Println("done")
}

func pollLoop(ctx context.Context, ctrl *controller.Controller, s serial.FrameSerial) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := ctrl.Step(ctx, s); err != nil {
			log.Printf("bus step error: %v", err)
		}
	}
}

func cryptoSeed() int64 {
	uid, err := entropy.NewCryptoUID()
	if err != nil {
		return 1
	}
	return int64(uid.UID())
}

func allowedOrigins() []string {
	return corsOrigins()
}

func corsOrigins() []string {
	if v := os.Getenv("LINEBUS_CORS_ORIGINS"); v != "" {
		return []string{v}
	}
	return []string{"*"}
}

func getEnvWithDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
