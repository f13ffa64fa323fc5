package transform

import (
	"sort"
	"strings"
	"time"

	"github.com/ruthvik1904/kai-cyber-dashboard/pkg/types"
)

// ProgressInterval is how many flattened records are processed between two
// progress callbacks. A final callback with the true total is always emitted.
const ProgressInterval = 5000

type options struct {
	progress func(processed, total int)
	interval int
}

type Option interface {
	apply(*options)
}

type progressOption func(processed, total int)

func (o progressOption) apply(opts *options) {
	opts.progress = o
}

func WithProgress(f func(processed, total int)) Option {
	return progressOption(f)
}

type intervalOption int

func (o intervalOption) apply(opts *options) {
	opts.interval = int(o)
}

func WithProgressInterval(n int) Option {
	return intervalOption(n)
}

// Flatten walks groups -> repos -> images -> vulnerabilities in document
// order and emits one record per vulnerability, decorated with ancestor
// names and a synthetic id joining the three hierarchy keys and the CVE id.
// Output order equals depth-first traversal order. Flatten is pure: the same
// document always yields the same records in the same order.
func Flatten(doc types.Document, opts ...Option) []types.FlattenedVulnerability {
	options := &options{
		interval: ProgressInterval,
	}
	for _, o := range opts {
		o.apply(options)
	}

	total := 0
	if options.progress != nil {
		for _, ge := range doc.Groups {
			for _, re := range ge.Group.Repos {
				for _, ie := range re.Repo.Images {
					total += len(ie.Image.Vulnerabilities)
				}
			}
		}
	}

	flattened := make([]types.FlattenedVulnerability, 0, total)
	processed := 0

	for _, ge := range doc.Groups {
		for _, re := range ge.Group.Repos {
			for _, ie := range re.Repo.Images {
				for _, v := range ie.Image.Vulnerabilities {
					flattened = append(flattened, types.FlattenedVulnerability{
						Vulnerability: v,
						ID:            strings.Join([]string{ge.Key, re.Key, ie.Key, v.CVE}, "-"),
						GroupName:     ge.Group.Name,
						RepoName:      re.Repo.Name,
						ImageName:     ie.Image.Name,
						ImageVersion:  ie.Image.Version,
					})

					processed++
					if options.progress != nil && processed%options.interval == 0 {
						options.progress(processed, total)
					}
				}
			}
		}
	}

	if options.progress != nil {
		options.progress(processed, total)
	}

	return flattened
}

// ExtractMetadata summarizes the flattened set in a single pass. Severity
// bucketing is case-insensitive; an empty kaiStatus counts into the
// "unknown" bucket. Repo and image uniqueness is computed over compound
// keys so same-named repos under different groups stay distinct.
func ExtractMetadata(vulns []types.FlattenedVulnerability) types.Metadata {
	var sd types.SeverityDistribution
	ksd := map[string]int{}
	groups := map[string]struct{}{}
	repos := map[string]struct{}{}
	images := map[string]struct{}{}

	for _, v := range vulns {
		switch strings.ToLower(v.Severity) {
		case "critical":
			sd.Critical++
		case "high":
			sd.High++
		case "medium":
			sd.Medium++
		case "low":
			sd.Low++
		}

		ksd[KaiStatus(v.KaiStatus)]++

		groups[v.GroupName] = struct{}{}
		repos[v.GroupName+"-"+v.RepoName] = struct{}{}
		images[v.GroupName+"-"+v.RepoName+"-"+v.ImageName] = struct{}{}
	}

	return types.Metadata{
		TotalCount:            len(vulns),
		SeverityDistribution:  sd,
		KaiStatusDistribution: ksd,
		TotalGroups:           len(groups),
		TotalRepos:            len(repos),
		TotalImages:           len(images),
		LastUpdated:           time.Now(),
	}
}

// KaiStatusUnknown is the sentinel bucket for records without a kaiStatus.
const KaiStatusUnknown = "unknown"

func KaiStatus(s string) string {
	if s == "" {
		return KaiStatusUnknown
	}
	return s
}

// Filters selects records by multiple criteria at once. Zero-valued fields
// do not filter.
type Filters struct {
	Severity         []string
	KaiStatus        []string
	ExcludeKaiStatus []string
	PackageName      string
	Query            string
}

func Filter(vulns []types.FlattenedVulnerability, f Filters) []types.FlattenedVulnerability {
	filtered := make([]types.FlattenedVulnerability, 0, len(vulns))
	for _, v := range vulns {
		if len(f.Severity) > 0 && !containsFold(f.Severity, v.Severity) {
			continue
		}
		if len(f.KaiStatus) > 0 && !containsFold(f.KaiStatus, KaiStatus(v.KaiStatus)) {
			continue
		}
		if len(f.ExcludeKaiStatus) > 0 && containsFold(f.ExcludeKaiStatus, KaiStatus(v.KaiStatus)) {
			continue
		}
		if f.PackageName != "" && !strings.Contains(strings.ToLower(v.PackageName), strings.ToLower(f.PackageName)) {
			continue
		}
		if f.Query != "" {
			q := strings.ToLower(f.Query)
			if !strings.Contains(strings.ToLower(v.CVE), q) &&
				!strings.Contains(strings.ToLower(v.Description), q) &&
				!strings.Contains(strings.ToLower(v.PackageName), q) {
				continue
			}
		}
		filtered = append(filtered, v)
	}
	return filtered
}

func containsFold(ss []string, s string) bool {
	for _, e := range ss {
		if strings.EqualFold(e, s) {
			return true
		}
	}
	return false
}

type SortKey string

const (
	SortCVSS      SortKey = "cvss"
	SortSeverity  SortKey = "severity"
	SortPublished SortKey = "published"
	SortCVE       SortKey = "cve"
)

var severityRank = map[string]int{
	"critical": 4,
	"high":     3,
	"medium":   2,
	"low":      1,
}

// Sort returns a sorted copy; the input is not modified. Descending order is
// the dashboard default.
func Sort(vulns []types.FlattenedVulnerability, key SortKey, ascending bool) []types.FlattenedVulnerability {
	sorted := make([]types.FlattenedVulnerability, len(vulns))
	copy(sorted, vulns)

	compare := func(a, b types.FlattenedVulnerability) int {
		switch key {
		case SortSeverity:
			return severityRank[strings.ToLower(a.Severity)] - severityRank[strings.ToLower(b.Severity)]
		case SortPublished:
			switch pa, pb := publishedUnix(a), publishedUnix(b); {
			case pa < pb:
				return -1
			case pa > pb:
				return 1
			default:
				return 0
			}
		case SortCVE:
			return strings.Compare(a.CVE, b.CVE)
		default:
			switch {
			case a.CVSS < b.CVSS:
				return -1
			case a.CVSS > b.CVSS:
				return 1
			default:
				return 0
			}
		}
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		if ascending {
			return compare(sorted[i], sorted[j]) < 0
		}
		return compare(sorted[i], sorted[j]) > 0
	})

	return sorted
}

func publishedUnix(v types.FlattenedVulnerability) int64 {
	if v.PublishedTimestamp != 0 {
		return v.PublishedTimestamp
	}
	p := strings.Replace(v.Published, " ", "T", 1)
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, p); err == nil {
			return t.UnixMilli()
		}
	}
	return 0
}
