package app_test

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/orbit-sync/signup-enricher/internal/app"
	"github.com/orbit-sync/signup-enricher/internal/mockfoundry"
	"github.com/orbit-sync/signup-enricher/pkg/foundry"
	"github.com/orbit-sync/signup-enricher/pkg/warehouse/foundrywh"
)

const (
	inputRID     = "ri.foundry.main.dataset.11111111-1111-1111-1111-111111111111"
	profilesRID  = "ri.foundry.main.dataset.22222222-2222-2222-2222-222222222222"
	languagesRID = "ri.foundry.main.dataset.33333333-3333-3333-3333-333333333333"
)

func newFoundryWarehouse(t *testing.T, mock *mockfoundry.Server) *foundrywh.Warehouse {
	t.Helper()
	ts := httptest.NewServer(mock.Handler())
	t.Cleanup(ts.Close)

	client, err := foundry.NewClient(foundry.Services{APIGateway: ts.URL + "/api", StreamProxy: ts.URL + "/stream-proxy/api"}, "dummy-token", "")
	if err != nil {
		t.Fatalf("new foundry client: %v", err)
	}
	return foundrywh.New(client, foundry.Env{Aliases: map[string]foundry.DatasetRef{
		foundry.InputAlias: {RID: inputRID, Branch: "master"},
		"profiles":         {RID: profilesRID, Branch: "master"},
		"languages":        {RID: languagesRID, Branch: "master"},
	}}, quietLogger())
}

func TestRun_EndToEndAgainstMockFoundry(t *testing.T) {
	t.Parallel()

	inputDir := t.TempDir()
	dataDir := t.TempDir()
	if err := os.WriteFile(
		filepath.Join(inputDir, inputRID+".csv"),
		[]byte("email,name,github,created_at\n"+
			"alice@example.com,Alice,alice,2024-05-01T08:00:00Z\n"+
			"bob@corp.test,Bob,bob,2024-05-01T09:30:00Z\n"+
			"late@corp.test,Late,late,2024-05-03T09:30:00Z\n"),
		0o644,
	); err != nil {
		t.Fatalf("write input csv: %v", err)
	}

	mock := mockfoundry.New(inputDir, dataDir)
	mock.RequireBearerToken("dummy-token")
	mock.CreateStream(profilesRID)
	mock.CreateStream(languagesRID)
	mock.RejectRecords(func(rid string, rec map[string]any) bool {
		return rid == languagesRID && rec["github"] == "bob" && rec["language"] == "Rust"
	})
	wh := newFoundryWarehouse(t, mock)
	client, _ := newOrbit(t)

	report, err := app.Run(context.Background(), app.Deps{
		Accessor:   wh,
		Integrator: wh,
		Orbit:      client,
		Logger:     quietLogger(),
	}, baseOptions())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Fetched != 2 || report.Enriched != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.Profiles != 2 || report.Languages != 3 {
		t.Fatalf("expected 2 profiles and 3 languages persisted, got %+v", report)
	}
	if got := report.Failures["languages"]; len(got) != 1 || got[0].Index != 3 {
		t.Fatalf("expected the fourth language row to fail, got %#v", got)
	}

	calls := mock.Calls()
	if len(calls) != 2+2+2+4 {
		t.Fatalf("expected read, stream checks and publishes, got %d: %#v", len(calls), calls)
	}
	if calls[0].Path != "/api/v2/datasets/"+inputRID+"/branches/master" {
		t.Fatalf("call[0] path: got %q (all calls=%#v)", calls[0].Path, calls)
	}
	if calls[1].Path != "/api/v2/datasets/"+inputRID+"/readTable" {
		t.Fatalf("call[1] path: got %q (all calls=%#v)", calls[1].Path, calls)
	}
	wantCheck := "/stream-proxy/api/streams/" + profilesRID + "/branches/master/records"
	if calls[2].Method != "GET" || calls[2].Path != wantCheck {
		t.Fatalf("call[2] mismatch: %#v (all calls=%#v)", calls[2], calls)
	}
	wantPublish := "/stream-proxy/api/streams/" + profilesRID + "/branches/master/jsonRecord"
	if calls[4].Method != "POST" || calls[4].Path != wantPublish {
		t.Fatalf("call[4] mismatch: %#v (all calls=%#v)", calls[4], calls)
	}

	profiles := mock.StreamRecords(profilesRID)
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profile records, got %#v", profiles)
	}
	if profiles[0]["github"] != "alice" || profiles[0]["signup_date"] != "2024-05-01T08:00:00Z" {
		t.Fatalf("unexpected profile[0]: %#v", profiles[0])
	}
	if _, ok := profiles[0]["reach"]; ok {
		t.Fatalf("renamed attribute leaked into profile: %#v", profiles[0])
	}
	if len(mock.StreamRecords(languagesRID)) != 3 {
		t.Fatalf("expected 3 language records, got %#v", mock.StreamRecords(languagesRID))
	}

	b, err := os.ReadFile(filepath.Join(dataDir, profilesRID+".jsonl"))
	if err != nil {
		t.Fatalf("read persisted stream: %v", err)
	}
	if len(b) == 0 {
		t.Fatalf("expected persisted profile records")
	}
}

func TestRun_FoundryDestinationMustBeStream(t *testing.T) {
	t.Parallel()

	inputDir := t.TempDir()
	if err := os.WriteFile(
		filepath.Join(inputDir, inputRID+".csv"),
		[]byte("email,name,github,created_at\nalice@example.com,Alice,alice,2024-05-01T08:00:00Z\n"),
		0o644,
	); err != nil {
		t.Fatalf("write input csv: %v", err)
	}

	mock := mockfoundry.New(inputDir, "")
	mock.CreateStream(languagesRID)
	wh := newFoundryWarehouse(t, mock)
	client, fake := newOrbit(t)

	_, err := app.Run(context.Background(), app.Deps{Accessor: wh, Integrator: wh, Orbit: client, Logger: quietLogger()}, baseOptions())
	if err == nil {
		t.Fatalf("expected prepare to fail when the profiles stream is missing")
	}
	if fake.hits.Load() != 0 {
		t.Fatalf("no enrichment calls expected before destinations are verified, got %d", fake.hits.Load())
	}
}
