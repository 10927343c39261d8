// Command healthcheck probes a running collector and exits non-zero when it
// is unhealthy.
//
// Usage:
//
//	healthcheck -status-url=http://localhost:8080 -data-dir=./data -max-age=5m
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cs-darshan/binance-data-collector/internal/status"
)

var (
	statusURL = flag.String("status-url", "http://localhost:8080", "Base URL of the collector status server; empty skips the service checks")
	dataDir   = flag.String("data-dir", "./data", "Directory of the CSV output; empty skips the data checks")
	maxAge    = flag.Duration("max-age", 5*time.Minute, "Maximum age of the newest data")
	timeout   = flag.Duration("timeout", 10*time.Second, "Overall timeout")
)

func main() {
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	checker := &status.Checker{
		StatusURL: *statusURL,
		DataDir:   *dataDir,
		MaxAge:    *maxAge,
	}
	res := checker.Run(ctx)

	fmt.Println("Binance Data Collector Health Check")
	fmt.Println(strings.Repeat("=", 50))
	for _, c := range res.Checks {
		state := "HEALTHY"
		if !c.Healthy {
			state = "UNHEALTHY"
		}
		fmt.Printf("%-16s: %-9s - %s\n", c.Name, state, c.Message)
	}

	if *dataDir != "" {
		fmt.Println()
		fmt.Println("Data Statistics:")
		if res.Latest.IsZero() {
			fmt.Println("   No valid data found")
		} else {
			fmt.Printf("   Total records: %d, Latest: %s\n", res.Records, res.Latest.Format(time.RFC3339))
		}
	}

	fmt.Println(strings.Repeat("=", 50))
	if !res.Healthy() {
		fmt.Println("Overall Status: ISSUES DETECTED")
		os.Exit(1)
	}
	fmt.Println("Overall Status: SYSTEM HEALTHY")
}
