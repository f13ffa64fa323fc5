package types

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Document is the hierarchical vulnerability report fetched from the
// configured URL: group -> repository -> image -> vulnerabilities.
// Mapping keys are opaque identifiers; display names live in each level's
// name field.
type Document struct {
	Groups Groups `json:"groups"`
}

type Group struct {
	Name  string `json:"name"`
	Repos Repos  `json:"repos"`
}

type Repo struct {
	Name   string `json:"name"`
	Images Images `json:"images"`
}

type Image struct {
	Name            string          `json:"name"`
	Version         string          `json:"version"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
}

// Groups, Repos and Images decode JSON objects while preserving the
// document's own key order, which encoding/json maps would lose. Flattening
// depends on that order being stable.
type Groups []GroupEntry

type GroupEntry struct {
	Key   string
	Group Group
}

func (gs *Groups) UnmarshalJSON(data []byte) error {
	es, err := decodeOrdered[Group](data)
	if err != nil {
		return errors.Wrap(err, "decode groups")
	}
	*gs = make(Groups, 0, len(es))
	for _, e := range es {
		*gs = append(*gs, GroupEntry{Key: e.key, Group: e.value})
	}
	return nil
}

type Repos []RepoEntry

type RepoEntry struct {
	Key  string
	Repo Repo
}

func (rs *Repos) UnmarshalJSON(data []byte) error {
	es, err := decodeOrdered[Repo](data)
	if err != nil {
		return errors.Wrap(err, "decode repos")
	}
	*rs = make(Repos, 0, len(es))
	for _, e := range es {
		*rs = append(*rs, RepoEntry{Key: e.key, Repo: e.value})
	}
	return nil
}

type Images []ImageEntry

type ImageEntry struct {
	Key   string
	Image Image
}

func (is *Images) UnmarshalJSON(data []byte) error {
	es, err := decodeOrdered[Image](data)
	if err != nil {
		return errors.Wrap(err, "decode images")
	}
	*is = make(Images, 0, len(es))
	for _, e := range es {
		*is = append(*is, ImageEntry{Key: e.key, Image: e.value})
	}
	return nil
}

type entry[T any] struct {
	key   string
	value T
}

func decodeOrdered[T any](data []byte) ([]entry[T], error) {
	d := json.NewDecoder(bytes.NewReader(data))

	t, err := d.Token()
	if err != nil {
		return nil, errors.Wrap(err, "read open token")
	}
	if t == nil {
		return nil, nil
	}
	if delim, ok := t.(json.Delim); !ok || delim != '{' {
		return nil, errors.Errorf("unexpected token. expected: %q, actual: %v", "{", t)
	}

	var es []entry[T]
	for d.More() {
		t, err := d.Token()
		if err != nil {
			return nil, errors.Wrap(err, "read key token")
		}
		k, ok := t.(string)
		if !ok {
			return nil, errors.Errorf("unexpected key token. expected: string, actual: %v", t)
		}

		var v T
		if err := d.Decode(&v); err != nil {
			return nil, errors.Wrapf(err, "decode value for %q", k)
		}
		es = append(es, entry[T]{key: k, value: v})
	}

	if _, err := d.Token(); err != nil {
		return nil, errors.Wrap(err, "read close token")
	}

	return es, nil
}

// Vulnerability is one raw finding as it appears in the document. Dates are
// ISO-like strings; published may use a space instead of "T".
type Vulnerability struct {
	CVE            string         `json:"cve"`
	Severity       string         `json:"severity"`
	CVSS           float64        `json:"cvss"`
	Status         string         `json:"status"`
	PackageName    string         `json:"packageName"`
	PackageVersion string         `json:"packageVersion"`
	PackageType    string         `json:"packageType"`
	Published      string         `json:"published"`
	FixDate        string         `json:"fixDate"`
	Owner          string         `json:"owner"`
	Description    string         `json:"description"`
	RiskFactors    map[string]any `json:"riskFactors,omitempty"`
	Link           string         `json:"link,omitempty"`
	KaiStatus      string         `json:"kaiStatus,omitempty"`
}

// FlattenedVulnerability is a Vulnerability joined with its ancestor context.
// ID is <groupKey>-<repoKey>-<imageKey>-<cve>; deterministic for a given
// document, but not unique when the same CVE appears twice under one image.
// PublishedTimestamp is derived from the published field on cache reads, in
// milliseconds since epoch.
type FlattenedVulnerability struct {
	Vulnerability
	ID                 string `json:"id"`
	GroupName          string `json:"groupName"`
	RepoName           string `json:"repoName"`
	ImageName          string `json:"imageName"`
	ImageVersion       string `json:"imageVersion"`
	PublishedTimestamp int64  `json:"publishedTimestamp,omitempty"`
}

// Metadata is the aggregate summary over the full flattened set.
type Metadata struct {
	TotalCount            int                  `json:"totalCount"`
	SeverityDistribution  SeverityDistribution `json:"severityDistribution"`
	KaiStatusDistribution map[string]int       `json:"kaiStatusDistribution"`
	TotalGroups           int                  `json:"totalGroups"`
	TotalRepos            int                  `json:"totalRepos"`
	TotalImages           int                  `json:"totalImages"`
	LastUpdated           time.Time            `json:"lastUpdated"`
}

type SeverityDistribution struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

type Stage string

const (
	StageFetching Stage = "fetching"
	StageParsing  Stage = "parsing"
	StageCaching  Stage = "caching"
	StageComplete Stage = "complete"
)

// Progress is the single event shape all load stages report through.
// Progress is monotonically non-decreasing within a stage; stages occur in
// fetching, parsing, caching, complete order.
type Progress struct {
	Stage    Stage  `json:"stage"`
	Progress int    `json:"progress"`
	Total    int    `json:"total"`
	Message  string `json:"message"`
}

type ProgressFunc func(Progress)
