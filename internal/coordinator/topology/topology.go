// Package topology loads and saves the robots.config file: the static map
// of which robots can reach which staging inventories, and from which
// side. This file is written once by the setup utility and read by the
// coordinator at startup.
package topology

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/riftworks/moltcraft-coordinator/pkg/coordinator"
)

// header line written at the top of every saved config, naming the format
// and the time it was written — a diagnostic breadcrumb, not parsed back.
const headerPrefix = "# moltcraft topology"

// Load parses a robots.config file from path.
func Load(path string) (*coordinator.Topology, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("topology: opening %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	topo := &coordinator.Topology{Stagings: make(map[int]map[string]int)}

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// staging <index> <robotId> <side>
		fields := strings.Fields(line)
		if len(fields) != 4 || fields[0] != "staging" {
			return nil, fmt.Errorf("topology: line %d: malformed entry %q", lineNo, line)
		}

		stagingIdx, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("topology: line %d: bad staging index: %w", lineNo, err)
		}
		side, err := strconv.Atoi(fields[3])
		if err != nil || side < 0 || side > 5 {
			return nil, fmt.Errorf("topology: line %d: side must be 0..5", lineNo)
		}

		if topo.Stagings[stagingIdx] == nil {
			topo.Stagings[stagingIdx] = make(map[string]int)
		}
		topo.Stagings[stagingIdx][fields[2]] = side
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("topology: reading %s: %w", path, err)
	}

	return topo, nil
}

// Save writes topo to path in the robots.config format, with a leading
// comment line as required by spec.md §6.
func Save(path string, topo *coordinator.Topology) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("topology: creating %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "%s, written %s\n", headerPrefix, time.Now().UTC().Format(time.RFC3339))

	stagingIndices := make([]int, 0, len(topo.Stagings))
	for idx := range topo.Stagings {
		stagingIndices = append(stagingIndices, idx)
	}
	sort.Ints(stagingIndices)

	for _, idx := range stagingIndices {
		robots := topo.Stagings[idx]
		robotIDs := make([]string, 0, len(robots))
		for id := range robots {
			robotIDs = append(robotIDs, id)
		}
		sort.Strings(robotIDs)

		for _, id := range robotIDs {
			fmt.Fprintf(w, "staging %d %s %d\n", idx, id, robots[id])
		}
	}

	return w.Flush()
}
