package foundry

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadEnv_FromServiceDiscovery(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FOUNDRY_URL", "")
	t.Setenv("DEFAULT_CA_PATH", "")
	t.Setenv("FOUNDRY_SERVICE_DISCOVERY_V2", writeFile(t, dir, "discovery.yml",
		"api_gateway:\n  - https://stack.example.com/api\nstream_proxy:\n  - https://stack.example.com/stream-proxy/api\n"))
	t.Setenv("BUILD2_TOKEN", writeFile(t, dir, "token", "secret-token\n"))
	t.Setenv("RESOURCE_ALIAS_MAP", writeFile(t, dir, "aliases.json",
		`{"input":{"rid":"ri.a","branch":"develop"},"profiles":{"rid":"ri.b","branch":null}}`))

	env, err := LoadEnv()
	if err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if env.Services.APIGateway != "https://stack.example.com/api" || env.Services.StreamProxy != "https://stack.example.com/stream-proxy/api" {
		t.Fatalf("unexpected services: %+v", env.Services)
	}
	if env.Token != "secret-token" {
		t.Fatalf("token must be trimmed, got %q", env.Token)
	}

	ref, err := env.Ref("input")
	if err != nil || ref.RID != "ri.a" || ref.Branch != "develop" {
		t.Fatalf("input ref: %+v %v", ref, err)
	}
	ref, err = env.Ref("profiles")
	if err != nil || ref.Branch != "" || ref.branch() != "master" {
		t.Fatalf("null branch must fall back to master: %+v %v", ref, err)
	}
	ref, err = env.Ref("ri.foundry.main.dataset.languages")
	if err != nil || ref.RID != "ri.foundry.main.dataset.languages" {
		t.Fatalf("raw RID must pass through: %+v %v", ref, err)
	}
	if _, err := env.Ref("languages"); err == nil {
		t.Fatalf("expected unknown alias error")
	}
}

func TestLoadEnv_FoundryURLFallback(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FOUNDRY_SERVICE_DISCOVERY_V2", "")
	t.Setenv("FOUNDRY_URL", "stack.example.com/")
	t.Setenv("BUILD2_TOKEN", writeFile(t, dir, "token", "t"))
	t.Setenv("RESOURCE_ALIAS_MAP", writeFile(t, dir, "aliases.json", `{}`))

	env, err := LoadEnv()
	if err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if env.Services.StreamProxy != "https://stack.example.com/stream-proxy/api" {
		t.Fatalf("unexpected stream proxy: %q", env.Services.StreamProxy)
	}
}

func TestLoadEnv_DiscoveryNeedsBothServices(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FOUNDRY_SERVICE_DISCOVERY_V2", writeFile(t, dir, "discovery.yml", "api_gateway:\n  - https://stack.example.com/api\n"))
	t.Setenv("BUILD2_TOKEN", writeFile(t, dir, "token", "t"))
	t.Setenv("RESOURCE_ALIAS_MAP", writeFile(t, dir, "aliases.json", `{}`))

	if _, err := LoadEnv(); err == nil {
		t.Fatalf("expected error for discovery without stream_proxy")
	}
}

func TestLoadEnv_Errors(t *testing.T) {
	dir := t.TempDir()
	token := writeFile(t, dir, "token", "t")

	tests := []struct {
		name    string
		url     string
		token   string
		aliases string
	}{
		{name: "no services", url: "", token: token, aliases: writeFile(t, dir, "ok.json", `{}`)},
		{name: "no token", url: "https://x", token: "", aliases: writeFile(t, dir, "ok2.json", `{}`)},
		{name: "bad alias json", url: "https://x", token: token, aliases: writeFile(t, dir, "bad.json", `{`)},
		{name: "alias without rid", url: "https://x", token: token, aliases: writeFile(t, dir, "norid.json", `{"input":{"branch":"master"}}`)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("FOUNDRY_SERVICE_DISCOVERY_V2", "")
			t.Setenv("FOUNDRY_URL", tc.url)
			t.Setenv("BUILD2_TOKEN", tc.token)
			t.Setenv("RESOURCE_ALIAS_MAP", tc.aliases)
			if _, err := LoadEnv(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestAPIError(t *testing.T) {
	t.Parallel()

	for status, want := range map[int]bool{429: true, 500: true, 503: true, 400: false, 404: false} {
		if got := (&APIError{Status: status}).Transient(); got != want {
			t.Fatalf("status %d: Transient()=%t want %t", status, got, want)
		}
	}

	e := apiError("readTable", 404, []byte(`{"errorCode":"NOT_FOUND","errorName":"DatasetNotFound","errorInstanceId":"abc"}`))
	if e.Name != "DatasetNotFound" || e.Hint != "" {
		t.Fatalf("unexpected conjure parse: %+v", e)
	}
	if got := e.Error(); got != "foundry readTable: 404 Not Found name=DatasetNotFound code=NOT_FOUND instance=abc" {
		t.Fatalf("unexpected message: %q", got)
	}

	e = apiError("publishRecord", 502, []byte("upstream down"))
	if e.Name != "" || e.Hint == "" {
		t.Fatalf("non-conjure body must leave a hint: %+v", e)
	}
}
