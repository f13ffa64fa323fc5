package cache

import (
	"testing"

	db "github.com/ruthvik1904/kai-cyber-dashboard/pkg/db/common"
	"github.com/ruthvik1904/kai-cyber-dashboard/pkg/transform"
	"github.com/ruthvik1904/kai-cyber-dashboard/pkg/types"
)

// recordingDB counts which query path serves a search. Unimplemented DB
// methods are never reached from queryVulnerabilities.
type recordingDB struct {
	db.DB

	bySeverity  int
	byKaiStatus int
	lastExclude bool
	search      int
}

func (d *recordingDB) GetBySeverity(string) ([]types.FlattenedVulnerability, error) {
	d.bySeverity++
	return nil, nil
}

func (d *recordingDB) GetByKaiStatus(_ string, exclude bool) ([]types.FlattenedVulnerability, error) {
	d.byKaiStatus++
	d.lastExclude = exclude
	return nil, nil
}

func (d *recordingDB) Search(string) ([]types.FlattenedVulnerability, error) {
	d.search++
	return nil, nil
}

func TestQueryVulnerabilities(t *testing.T) {
	tests := []struct {
		name            string
		query           string
		filters         transform.Filters
		wantBySeverity  int
		wantByKaiStatus int
		wantExclude     bool
		wantSearch      int
	}{
		{
			name:           "single severity uses the severity index",
			filters:        transform.Filters{Severity: []string{"critical"}},
			wantBySeverity: 1,
		},
		{
			name:            "single kaiStatus uses the kaiStatus index",
			filters:         transform.Filters{KaiStatus: []string{"confirmed"}},
			wantByKaiStatus: 1,
		},
		{
			name:            "single exclusion uses the kaiStatus index inverted",
			filters:         transform.Filters{ExcludeKaiStatus: []string{"invalid - vendor"}},
			wantByKaiStatus: 1,
			wantExclude:     true,
		},
		{
			name:       "query falls back to a scan",
			query:      "openssl",
			filters:    transform.Filters{Severity: []string{"critical"}},
			wantSearch: 1,
		},
		{
			name:       "multiple severities fall back to a scan",
			filters:    transform.Filters{Severity: []string{"critical", "high"}},
			wantSearch: 1,
		},
		{
			name:       "no criteria falls back to a scan",
			wantSearch: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &recordingDB{}
			if _, err := queryVulnerabilities(d, tt.query, tt.filters); err != nil {
				t.Fatalf("unexpected err: %v", err)
			}

			if d.bySeverity != tt.wantBySeverity {
				t.Errorf("GetBySeverity calls = %d, expected %d", d.bySeverity, tt.wantBySeverity)
			}
			if d.byKaiStatus != tt.wantByKaiStatus {
				t.Errorf("GetByKaiStatus calls = %d, expected %d", d.byKaiStatus, tt.wantByKaiStatus)
			}
			if d.lastExclude != tt.wantExclude {
				t.Errorf("GetByKaiStatus exclude = %v, expected %v", d.lastExclude, tt.wantExclude)
			}
			if d.search != tt.wantSearch {
				t.Errorf("Search calls = %d, expected %d", d.search, tt.wantSearch)
			}
		})
	}
}
