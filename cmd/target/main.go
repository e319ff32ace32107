package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"linebus/busconfig"
	"linebus/entropy"
	"linebus/framepool"
	"linebus/serial"
	"linebus/target"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables only")
	}

	log.Println("===================================")
	log.Println(" LINEBUS TARGET")
	log.Println("===================================")

	cfg := busconfig.FromEnv()
	log.Printf("config: turnaround=%s claim_timeout=%s select_timeout=%s",
		cfg.TurnaroundDelay, cfg.AddressClaimTimeout, cfg.SelectTimeout)

	uid, err := deviceUID()
	if err != nil {
		log.Fatalf("could not establish device uid: %v", err)
	}
	log.Printf("device uid: %#x", uid.UID())

	rng := entropy.NewMathRand(int64(uid.UID()))
	pool := framepool.NewSlice(cfg.IncomingSize + cfg.OutgoingSize)

	// A real deployment replaces this loopback with a FrameSerial backed
	// by the actual RS-485/UART transport shared with a Controller on the
	// other end of the wire; the loopback's far side stands in for that
	// wire here so the binary runs standalone.
	busSide, farSide := serial.NewLoopback()
	_ = farSide

	tgt := target.New(cfg, busSide, uid, rng, pool)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go logConnState(tgt)
	go func() {
		if err := tgt.Run(ctx); err != nil {
			log.Printf("target run stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	log.Println("target ready, press Ctrl+C to stop")
	<-quit

	log.Println("shutting down...")
	cancel()
	log.Println("done")
}

func logConnState(tgt *target.Target) {
	for cs := range tgt.ConnStates() {
		switch cs.Kind {
		case target.Connected:
			log.Printf("acquired address %d", cs.Addr)
		case target.Disconnected:
			log.Printf("lost address %d", cs.Addr)
		}
	}
}

func deviceUID() (entropy.UIDSource, error) {
	return entropy.NewCryptoUID()
}
