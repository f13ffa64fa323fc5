package load_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	loadCmd "github.com/ruthvik1904/kai-cyber-dashboard/pkg/cmd/load"
)

const testDocumentJSON = `{"groups": {
	"g1": {"name": "Group One", "repos": {
		"r1": {"name": "Repo One", "images": {
			"i1": {"name": "Image One", "version": "1.0", "vulnerabilities": [
				{"cve": "CVE-2024-0001", "severity": "critical", "cvss": 9.8}
			]}
		}}
	}}
}}`

func newTestServer(t *testing.T, hits *int) *httptest.Server {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		*hits++
		_, _ = w.Write([]byte(testDocumentJSON))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func writeTestConfig(t *testing.T, url, dbpath string) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(p, []byte(fmt.Sprintf(`{"url": %q, "dbtype": "boltdb", "dbpath": %q}`, url, dbpath)), 0644); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	return p
}

func TestNewCmd_config(t *testing.T) {
	hits := 0
	ts := newTestServer(t, &hits)

	cmd := loadCmd.NewCmd()
	cmd.SetArgs([]string{"--config", writeTestConfig(t, ts.URL, filepath.Join(t.TempDir(), "kaidash.db")), "--no-progress"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if hits != 1 {
		t.Errorf("unexpected server hits. expected: 1, actual: %d", hits)
	}
}

func TestNewCmd_configFlagPrecedence(t *testing.T) {
	configHits, flagHits := 0, 0
	configTS := newTestServer(t, &configHits)
	flagTS := newTestServer(t, &flagHits)

	cmd := loadCmd.NewCmd()
	cmd.SetArgs([]string{
		"--config", writeTestConfig(t, configTS.URL, filepath.Join(t.TempDir(), "kaidash.db")),
		"--url", flagTS.URL,
		"--no-progress",
	})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if configHits != 0 || flagHits != 1 {
		t.Errorf("explicit --url must win over the config file. config hits: %d, flag hits: %d", configHits, flagHits)
	}
}
