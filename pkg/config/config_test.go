package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ruthvik1904/kai-cyber-dashboard/pkg/config"
)

func TestDefault(t *testing.T) {
	t.Setenv("KAI_VULN_DATA_URL", "")

	c := config.Default()
	if c.URL != config.DefaultURL {
		t.Errorf("URL = %s, expected %s", c.URL, config.DefaultURL)
	}
	if c.DBType != "boltdb" {
		t.Errorf("DBType = %s, expected boltdb", c.DBType)
	}

	t.Setenv("KAI_VULN_DATA_URL", "http://127.0.0.1:8080/data.json")
	if c := config.Default(); c.URL != "http://127.0.0.1:8080/data.json" {
		t.Errorf("URL = %s, expected the environment override", c.URL)
	}
}

func TestOpen(t *testing.T) {
	t.Setenv("KAI_VULN_DATA_URL", "")

	p := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(p, []byte(`{"dbtype": "sqlite3", "dbpath": "kaidash.sqlite3"}`), 0644); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	got, err := config.Open(p)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	expected := config.Config{URL: config.DefaultURL, DBType: "sqlite3", DBPath: "kaidash.sqlite3"}
	if diff := cmp.Diff(expected, got); diff != "" {
		t.Errorf("Open(). (-expected +got):\n%s", diff)
	}

	if _, err := config.Open(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Errorf("expected error has not occurred")
	}
}
