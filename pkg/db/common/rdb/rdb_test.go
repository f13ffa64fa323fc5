package rdb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	dbTypes "github.com/ruthvik1904/kai-cyber-dashboard/pkg/db/common/types"
	"github.com/ruthvik1904/kai-cyber-dashboard/pkg/types"
)

func openTestConnection(t *testing.T) *Connection {
	t.Helper()

	c := &Connection{Config: &Config{Type: "sqlite3", Path: filepath.Join(t.TempDir(), "test.db")}}
	if err := c.Open(); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
	})
	return c
}

func testVulnerability(id, cve, severity, kaiStatus, pkg, published string) types.FlattenedVulnerability {
	return types.FlattenedVulnerability{
		Vulnerability: types.Vulnerability{
			CVE:         cve,
			Severity:    severity,
			PackageName: pkg,
			Published:   published,
			KaiStatus:   kaiStatus,
		},
		ID:        id,
		GroupName: "prod",
		RepoName:  "api",
		ImageName: "api",
	}
}

func TestConnection_PutGet(t *testing.T) {
	c := openTestConnection(t)

	vulns := []types.FlattenedVulnerability{
		testVulnerability("g1-r1-i1-CVE-2024-0001", "CVE-2024-0001", "Critical", "", "openssl", "2024-01-02 10:30:00"),
		testVulnerability("g1-r1-i1-CVE-2024-0002", "CVE-2024-0002", "high", "invalid - vendor", "zlib", "2024-02-03T04:05:06Z"),
	}
	metadata := types.Metadata{
		TotalCount:            2,
		SeverityDistribution:  types.SeverityDistribution{Critical: 1, High: 1},
		KaiStatusDistribution: map[string]int{"unknown": 1, "invalid - vendor": 1},
		TotalGroups:           1,
		TotalRepos:            1,
		TotalImages:           1,
		LastUpdated:           time.Now(),
	}

	if err := c.PutVulnerabilities(vulns, metadata); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	got, err := c.GetVulnerabilities()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	expected := []types.FlattenedVulnerability{vulns[0], vulns[1]}
	expected[0].Published = "2024-01-02T10:30:00"
	expected[0].PublishedTimestamp = time.Date(2024, 1, 2, 10, 30, 0, 0, time.UTC).UnixMilli()
	expected[1].PublishedTimestamp = time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC).UnixMilli()

	opts := cmp.Options{
		cmpopts.SortSlices(func(a, b types.FlattenedVulnerability) bool { return a.ID < b.ID }),
	}
	if diff := cmp.Diff(expected, got, opts); diff != "" {
		t.Errorf("GetVulnerabilities(). (-expected +got):\n%s", diff)
	}

	gotMeta, err := c.GetMetadata()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if diff := cmp.Diff(&metadata, gotMeta, cmpopts.EquateApproxTime(time.Second)); diff != "" {
		t.Errorf("GetMetadata(). (-expected +got):\n%s", diff)
	}
}

func TestConnection_EmptyDataset(t *testing.T) {
	c := openTestConnection(t)

	if err := c.PutVulnerabilities(nil, types.Metadata{TotalCount: 0}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	// A cached zero-record dataset is present, not absent.
	got, err := c.GetVulnerabilities()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got == nil {
		t.Errorf("GetVulnerabilities() = nil, expected an empty non-nil slice")
	}
	if len(got) != 0 {
		t.Errorf("GetVulnerabilities() = %v, expected no records", got)
	}
	if !c.IsAvailable() {
		t.Errorf("IsAvailable() = false, expected true")
	}
}

func TestConnection_Expiry(t *testing.T) {
	c := openTestConnection(t)

	vulns := []types.FlattenedVulnerability{
		testVulnerability("g1-r1-i1-CVE-2024-0001", "CVE-2024-0001", "low", "", "curl", "2024-01-01"),
	}
	if err := c.PutVulnerabilities(vulns, types.Metadata{TotalCount: 1}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	if !c.IsAvailable() {
		t.Errorf("IsAvailable() = false, expected true")
	}

	c.now = func() time.Time { return time.Now().Add(dbTypes.Expiry + time.Hour) }

	got, err := c.GetVulnerabilities()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got != nil {
		t.Errorf("GetVulnerabilities() = %v, expected nil after expiry", got)
	}
	if c.IsAvailable() {
		t.Errorf("IsAvailable() = true, expected false after expiry")
	}
}

func TestConnection_Queries(t *testing.T) {
	c := openTestConnection(t)

	vulns := []types.FlattenedVulnerability{
		testVulnerability("g1-r1-i1-CVE-2024-0001", "CVE-2024-0001", "Critical", "", "openssl", "2024-01-01"),
		testVulnerability("g1-r1-i1-CVE-2024-0002", "CVE-2024-0002", "critical", "invalid - vendor", "zlib", "2024-01-02"),
		testVulnerability("g2-r2-i2-CVE-2024-0003", "CVE-2024-0003", "low", "confirmed", "libssl-dev", "2024-01-03"),
	}
	if err := c.PutVulnerabilities(vulns, types.Metadata{TotalCount: 3}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	ids := func(vs []types.FlattenedVulnerability) []string {
		var ss []string
		for _, v := range vs {
			ss = append(ss, v.ID)
		}
		return ss
	}
	opts := cmp.Options{cmpopts.SortSlices(func(a, b string) bool { return a < b })}

	got, err := c.GetBySeverity("CRITICAL")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if diff := cmp.Diff([]string{"g1-r1-i1-CVE-2024-0001", "g1-r1-i1-CVE-2024-0002"}, ids(got), opts); diff != "" {
		t.Errorf("GetBySeverity(). (-expected +got):\n%s", diff)
	}

	got, err = c.GetByKaiStatus("unknown", false)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if diff := cmp.Diff([]string{"g1-r1-i1-CVE-2024-0001"}, ids(got), opts); diff != "" {
		t.Errorf("GetByKaiStatus(unknown). (-expected +got):\n%s", diff)
	}

	got, err = c.GetByKaiStatus("invalid - vendor", true)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if diff := cmp.Diff([]string{"g1-r1-i1-CVE-2024-0001", "g2-r2-i2-CVE-2024-0003"}, ids(got), opts); diff != "" {
		t.Errorf("GetByKaiStatus(invalid, exclude). (-expected +got):\n%s", diff)
	}

	got, err = c.Search("ssl")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if diff := cmp.Diff([]string{"g1-r1-i1-CVE-2024-0001", "g2-r2-i2-CVE-2024-0003"}, ids(got), opts); diff != "" {
		t.Errorf("Search(ssl). (-expected +got):\n%s", diff)
	}

	n, err := c.Count()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if n != 3 {
		t.Errorf("Count() = %d, expected 3", n)
	}
}

func TestConnection_DuplicateID(t *testing.T) {
	c := openTestConnection(t)

	vulns := []types.FlattenedVulnerability{
		testVulnerability("g1-r1-i1-CVE-2024-0001", "CVE-2024-0001", "low", "", "curl", "2024-01-01"),
		testVulnerability("g1-r1-i1-CVE-2024-0001", "CVE-2024-0001", "high", "", "curl", "2024-01-01"),
	}
	if err := c.PutVulnerabilities(vulns, types.Metadata{TotalCount: 2}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	got, err := c.GetVulnerabilities()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(got) != 1 || got[0].Severity != "high" {
		t.Errorf("GetVulnerabilities() = %v, expected the last record for the id", got)
	}
}

func TestConnection_DeleteAll(t *testing.T) {
	c := openTestConnection(t)

	if err := c.PutVulnerabilities([]types.FlattenedVulnerability{
		testVulnerability("g1-r1-i1-CVE-2024-0001", "CVE-2024-0001", "high", "", "openssl", "2024-01-01"),
	}, types.Metadata{TotalCount: 1}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	if err := c.DeleteAll(); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	if c.IsAvailable() {
		t.Errorf("IsAvailable() = true, expected false after DeleteAll")
	}
	n, err := c.Count()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if n != 0 {
		t.Errorf("Count() = %d, expected 0", n)
	}
}
