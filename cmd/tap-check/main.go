//go:build darwin

package main

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loopcap/agent/internal/audiotap"
	"github.com/loopcap/agent/internal/broadcast"
	"github.com/loopcap/agent/internal/meter"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: tap-check <probe|capture|broadcast>")
		return
	}

	switch os.Args[1] {
	case "probe":
		checkProbe()
	case "capture":
		checkCapture()
	case "broadcast":
		checkBroadcast()
	default:
		fmt.Println("Unknown check:", os.Args[1])
		os.Exit(1)
	}
}

func checkProbe() {
	fmt.Println("=== Checking Tap Availability ===")
	if !audiotap.Available() {
		fmt.Println("Tap not available on this platform")
		if msg := audiotap.LastError(); msg != "" {
			fmt.Println("Last error:", msg)
		}
		os.Exit(1)
	}

	format, err := probeFormat()
	if err != nil {
		fmt.Printf("Error creating tap: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Default output: %d ch @ %.0f Hz (%s)\n",
		format.Channels, format.SampleRate, format.Encoding)
	fmt.Println("Tap available!")
}

func checkCapture() {
	fmt.Println("=== Checking Capture (5s) ===")

	format, err := probeFormat()
	if err != nil {
		fmt.Printf("Error creating tap: %v\n", err)
		os.Exit(1)
	}

	m := meter.New(format.Encoding)
	tap, err := audiotap.New(m)
	if err != nil {
		fmt.Printf("Error creating tap: %v\n", err)
		os.Exit(1)
	}
	defer tap.Close()

	if err := tap.Start(); err != nil {
		fmt.Printf("Error starting tap: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Capturing... play something!")
	var totalBuffers, totalBytes uint64
	for i := 0; i < 5; i++ {
		time.Sleep(time.Second)
		stats := m.Snapshot()
		totalBuffers += stats.Buffers
		totalBytes += stats.Bytes
		fmt.Printf("rms %6.1f dBFS  peak %6.1f dBFS  buffers %4d\n",
			stats.RMSDBFS, stats.PeakDBFS, stats.Buffers)
	}
	tap.Stop()

	fmt.Printf("Received %d buffers, %d bytes\n", totalBuffers, totalBytes)
	if totalBuffers == 0 {
		fmt.Println("No buffers arrived. Is anything playing?")
		os.Exit(1)
	}
	fmt.Println("Capture working!")
}

// checkBroadcast wires the tap to a WebRTC track without a collector:
// paste a base64 SDP offer on stdin, feed the printed answer back to the
// peer, then listen.
func checkBroadcast() {
	fmt.Println("=== Checking Broadcast ===")
	fmt.Println("Paste base64 SDP offer, then EOF (Ctrl-D):")

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Printf("Error reading offer: %v\n", err)
		os.Exit(1)
	}
	offer, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		fmt.Printf("Error decoding offer: %v\n", err)
		os.Exit(1)
	}

	format, err := probeFormat()
	if err != nil {
		fmt.Printf("Error probing format: %v\n", err)
		os.Exit(1)
	}

	bc, err := broadcast.New(broadcast.Config{Encoding: format.Encoding})
	if err != nil {
		fmt.Printf("Error creating broadcaster: %v\n", err)
		os.Exit(1)
	}
	defer bc.Close()

	answer, err := bc.Connect(string(offer))
	if err != nil {
		fmt.Printf("Error answering offer: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nAnswer (paste into the peer):")
	fmt.Println(base64.StdEncoding.EncodeToString([]byte(answer)))

	tap, err := audiotap.New(bc)
	if err != nil {
		fmt.Printf("Error creating tap: %v\n", err)
		os.Exit(1)
	}
	defer tap.Close()

	if err := tap.Start(); err != nil {
		fmt.Printf("Error starting tap: %v\n", err)
		os.Exit(1)
	}
	bc.SetEnabled(true)

	fmt.Println("\nBroadcasting. Ctrl-C to stop.")
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	stats := bc.Stats()
	fmt.Printf("\nSent %d frames, dropped %d, state %s\n",
		stats.FramesSent, stats.ChunksDropped, stats.State)
}

func probeFormat() (audiotap.Format, error) {
	tap, err := audiotap.New(audiotap.HandlerFunc(func([]byte, int, float64) {}))
	if err != nil {
		return audiotap.Format{}, err
	}
	defer tap.Close()
	return tap.Format(), nil
}
