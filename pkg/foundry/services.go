package foundry

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Services holds the two Foundry base URLs the enricher talks to.
type Services struct {
	APIGateway  string // dataset reads, e.g. https://<stack>/api
	StreamProxy string // output streams, e.g. https://<stack>/stream-proxy/api
}

// discoveryFile is the compute-module service discovery document. Every
// service maps to a list of base URLs; only the first is used.
type discoveryFile struct {
	APIGateway  []string `yaml:"api_gateway"`
	StreamProxy []string `yaml:"stream_proxy"`
}

// discoverServices prefers FOUNDRY_SERVICE_DISCOVERY_V2 and falls back to
// deriving both endpoints from FOUNDRY_URL.
func discoverServices() (Services, error) {
	if path := strings.TrimSpace(os.Getenv("FOUNDRY_SERVICE_DISCOVERY_V2")); path != "" {
		return readDiscoveryFile(path)
	}
	host := strings.TrimSpace(os.Getenv("FOUNDRY_URL"))
	if host == "" {
		return Services{}, errors.New("foundry: set FOUNDRY_SERVICE_DISCOVERY_V2 or FOUNDRY_URL")
	}
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	host = strings.TrimRight(host, "/")
	return Services{APIGateway: host + "/api", StreamProxy: host + "/stream-proxy/api"}, nil
}

func readDiscoveryFile(path string) (Services, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Services{}, fmt.Errorf("foundry: read service discovery: %w", err)
	}
	var doc discoveryFile
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return Services{}, fmt.Errorf("foundry: parse service discovery: %w", err)
	}
	svc := Services{APIGateway: first(doc.APIGateway), StreamProxy: first(doc.StreamProxy)}
	if svc.APIGateway == "" || svc.StreamProxy == "" {
		return Services{}, fmt.Errorf("foundry: service discovery needs api_gateway and stream_proxy (got %+v)", svc)
	}
	return svc, nil
}

func first(urls []string) string {
	if len(urls) == 0 {
		return ""
	}
	return strings.TrimSpace(urls[0])
}
