// Command mock-foundry serves a local stand-in for the Foundry dataset and
// stream-proxy APIs so the enricher can run end to end with WAREHOUSE=foundry.
package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/orbit-sync/signup-enricher/internal/logging"
	"github.com/orbit-sync/signup-enricher/internal/mockfoundry"
)

func main() {
	addr := defaultString("MOCK_FOUNDRY_ADDR", ":8080")
	inputDir := defaultString("MOCK_FOUNDRY_INPUT_DIR", "/data/inputs")
	dataDir := defaultString("MOCK_FOUNDRY_DATA_DIR", "/data/streams")
	streamRIDs := defaultString("MOCK_FOUNDRY_STREAM_RIDS", "")
	token := defaultString("MOCK_FOUNDRY_TOKEN", "")

	fs := flag.NewFlagSet("mock-foundry", flag.ExitOnError)
	fs.StringVar(&addr, "addr", addr, "Listen address")
	fs.StringVar(&inputDir, "input-dir", inputDir, "Directory containing input CSVs named <rid>.csv")
	fs.StringVar(&dataDir, "data-dir", dataDir, "Directory to append published stream records to (<rid>.jsonl)")
	fs.StringVar(&streamRIDs, "stream-rids", streamRIDs, "Comma-separated RIDs to serve as streams (also supports env: MOCK_FOUNDRY_STREAM_RIDS)")
	fs.StringVar(&token, "token", token, "Bearer token to require (empty disables auth)")
	_ = fs.Parse(os.Args[1:])

	logger, err := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	if err != nil {
		logger = slog.Default()
	}

	srv := mockfoundry.New(inputDir, dataDir)
	srv.RequireBearerToken(token)
	for _, rid := range splitCSV(streamRIDs) {
		srv.CreateStream(rid)
	}

	logger.Info("mock-foundry listening", "addr", addr, "input", inputDir, "data", dataDir)
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func defaultString(envVar string, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
		return v
	}
	return fallback
}
