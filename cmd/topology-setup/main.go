// Topology setup utility: probes which robots can reach which staging
// inventories and writes the static robots.config the coordinator loads at
// startup (spec.md §6).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/riftworks/moltcraft-coordinator/internal/coordinator/message"
	"github.com/riftworks/moltcraft-coordinator/internal/coordinator/robotcoord"
	"github.com/riftworks/moltcraft-coordinator/internal/coordinator/topology"
	"github.com/riftworks/moltcraft-coordinator/pkg/coordinator"
)

func main() {
	listenAddr := flag.String("listen", "0.0.0.0:7421", "UDP address to listen on")
	broadcastAddr := flag.String("broadcast", "255.255.255.255:7420", "UDP broadcast address of the robot fleet")
	out := flag.String("out", "robots.config", "Path to write the topology config")
	stagings := flag.Int("stagings", 1, "Number of staging inventories to probe, in order starting at 0")
	robots := flag.Int("robots", 1, "Number of robots expected to answer each probe")
	item := flag.String("item", "", "Probe item name placed in each staging inventory before scanning (prompted interactively if empty and stdin is a terminal)")
	amount := flag.Int("amount", 1, "Probe item amount")
	timeout := flag.Duration("timeout", 2*time.Second, "Per-staging scan timeout")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	probeItem := *item
	interactive := isatty.IsTerminal(os.Stdin.Fd())
	if probeItem == "" {
		if !interactive {
			logger.Error("no -item given and stdin is not a terminal; cannot prompt")
			os.Exit(1)
		}
		fmt.Print("Probe item name to place in each staging inventory: ")
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			logger.Error("failed to read probe item", "error", err)
			os.Exit(1)
		}
		probeItem = trimNewline(line)
	}
	if probeItem == "" {
		logger.Error("probe item name must not be empty")
		os.Exit(1)
	}

	bus, err := message.New(*listenAddr, *broadcastAddr, 256, message.WithLogger(logger))
	if err != nil {
		logger.Error("failed to start message bus", "error", err)
		os.Exit(1)
	}
	defer func() { _ = bus.Close() }()

	robotClient := robotcoord.New(bus)
	topo := &coordinator.Topology{Stagings: make(map[int]map[string]int)}
	reader := bufio.NewReader(os.Stdin)

	ctx := context.Background()
	for idx := 0; idx < *stagings; idx++ {
		if interactive {
			fmt.Printf("Place %d x %s in staging inventory %d, then press Enter...", *amount, probeItem, idx)
			_, _ = reader.ReadString('\n')
		}

		results, err := robotClient.ScanAdjacentAndGather(ctx, probeItem, *amount, *robots, *timeout)
		if err != nil {
			logger.Error("scan failed", "staging_index", idx, "error", err)
			os.Exit(1)
		}

		reached := make(map[string]int)
		for _, r := range results {
			if r.Side == nil {
				continue
			}
			reached[r.RobotID] = *r.Side
		}
		if len(reached) == 0 {
			logger.Error("no robot reported reaching this staging inventory", "staging_index", idx)
			os.Exit(1)
		}
		topo.Stagings[idx] = reached
		logger.Info("staging probed", "staging_index", idx, "robots", len(reached))
	}

	if err := topology.Save(*out, topo); err != nil {
		logger.Error("failed to write topology config", "error", err, "path", *out)
		os.Exit(1)
	}
	logger.Info("topology written", "path", *out, "stagings", *stagings)
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
