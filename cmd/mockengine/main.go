// Command mockengine runs a standalone scripted generation engine. It binds
// the control and event endpoints, prints the announce lines the supervisor
// scans for, and plays back submitted graphs deterministically. Useful for
// running easel end to end without a real engine:
//
//	EASEL_ENGINE_BIN=mockengine go run ./cmd/easel
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/easel-dev/easel/internal/mockengine"
)

func main() {
	control := flag.String("control", "127.0.0.1:0", "control listen address")
	events := flag.String("events", "127.0.0.1:0", "event listen address")
	stepDelay := flag.Duration("step-delay", 25*time.Millisecond, "delay between scripted execution steps")
	payloadSize := flag.Int("payload-size", 1024, "fake image payload size in bytes")
	flag.Parse()

	eng := mockengine.New(mockengine.Options{
		ControlAddr: *control,
		EventAddr:   *events,
		StepDelay:   *stepDelay,
		PayloadSize: *payloadSize,
		Out:         os.Stdout,
	})
	if err := eng.Start(); err != nil {
		log.Fatalf("start engine: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	eng.Stop()
}
