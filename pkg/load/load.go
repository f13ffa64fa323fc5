package load

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/ruthvik1904/kai-cyber-dashboard/pkg/config"
	db "github.com/ruthvik1904/kai-cyber-dashboard/pkg/db/common"
	"github.com/ruthvik1904/kai-cyber-dashboard/pkg/fetch"
	"github.com/ruthvik1904/kai-cyber-dashboard/pkg/parse"
	"github.com/ruthvik1904/kai-cyber-dashboard/pkg/transform"
	"github.com/ruthvik1904/kai-cyber-dashboard/pkg/types"
)

// Result is the loaded dataset, whether it came from the cache or from a
// fresh fetch.
type Result struct {
	Vulnerabilities []types.FlattenedVulnerability
	Metadata        types.Metadata
}

// LoadError marks which pipeline stage a load failed in.
type LoadError struct {
	Stage types.Stage
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load failed at %s: %s", e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

type options struct {
	dbtype   string
	dbpath   string
	url      string
	client   *http.Client
	progress types.ProgressFunc
}

type Option interface {
	apply(*options)
}

type dbtypeOption string

func (o dbtypeOption) apply(opts *options) {
	opts.dbtype = string(o)
}

func WithDBType(dbtype string) Option {
	return dbtypeOption(dbtype)
}

type dbpathOption string

func (o dbpathOption) apply(opts *options) {
	opts.dbpath = string(o)
}

func WithDBPath(dbpath string) Option {
	return dbpathOption(dbpath)
}

type urlOption string

func (o urlOption) apply(opts *options) {
	opts.url = string(o)
}

func WithURL(url string) Option {
	return urlOption(url)
}

type clientOption struct {
	client *http.Client
}

func (o clientOption) apply(opts *options) {
	opts.client = o.client
}

func WithClient(client *http.Client) Option {
	return clientOption{client: client}
}

type progressOption types.ProgressFunc

func (o progressOption) apply(opts *options) {
	opts.progress = types.ProgressFunc(o)
}

func WithProgress(f types.ProgressFunc) Option {
	return progressOption(f)
}

// flight collapses concurrent loads of the same store and source into one
// pipeline run. Only the initiating caller's progress sink sees events.
var flight singleflight.Group

func newOptions(opts []Option) *options {
	c := config.Default()
	options := &options{
		dbtype: c.DBType,
		dbpath: c.DBPath,
		url:    c.URL,
	}
	for _, o := range opts {
		o.apply(options)
	}
	return options
}

// Load returns the cached dataset when a fresh one exists, and otherwise
// runs fetch, parse, cache in order. Fetch and parse failures are wrapped
// in LoadError. When parsing succeeded but the cache write failed, the
// parsed result is returned together with the write error so the caller
// can still serve it.
func Load(ctx context.Context, opts ...Option) (*Result, error) {
	options := newOptions(opts)

	v, err, _ := flight.Do(options.dbpath+"|"+options.url, func() (any, error) {
		return load(ctx, options)
	})
	if v == nil {
		return nil, err
	}
	return v.(*Result), err
}

// Reload clears the cache first, forcing a full pipeline run.
func Reload(ctx context.Context, opts ...Option) (*Result, error) {
	options := newOptions(opts)

	dbc, err := (&db.Config{Type: options.dbtype, Path: options.dbpath}).New()
	if err != nil {
		return nil, errors.Wrap(err, "new db connection")
	}
	if err := dbc.Open(); err != nil {
		return nil, errors.Wrapf(err, "open db. dbtype: %s, dbpath: %s", options.dbtype, options.dbpath)
	}
	if err := dbc.DeleteAll(); err != nil {
		_ = dbc.Close()
		return nil, errors.Wrap(err, "clear db")
	}
	if err := dbc.Close(); err != nil {
		return nil, errors.Wrap(err, "close db")
	}

	return Load(ctx, opts...)
}

func load(ctx context.Context, options *options) (*Result, error) {
	loadID := uuid.NewString()

	emit := func(stage types.Stage, progress, total int, message string) {
		if options.progress != nil {
			options.progress(types.Progress{Stage: stage, Progress: progress, Total: total, Message: message})
		}
	}

	slog.Info("load start", "id", loadID, "url", options.url, "dbtype", options.dbtype, "dbpath", options.dbpath)

	dbc, err := (&db.Config{Type: options.dbtype, Path: options.dbpath}).New()
	if err != nil {
		return nil, errors.Wrap(err, "new db connection")
	}
	if err := dbc.Open(); err != nil {
		return nil, errors.Wrapf(err, "open db. dbtype: %s, dbpath: %s", options.dbtype, options.dbpath)
	}
	defer dbc.Close()

	if r := checkCache(dbc, loadID); r != nil {
		emit(types.StageComplete, 100, 100, fmt.Sprintf("Loaded %d vulnerabilities from cache", len(r.Vulnerabilities)))
		slog.Info("load complete from cache", "id", loadID, "count", len(r.Vulnerabilities))
		return r, nil
	}

	fetchOpts := []fetch.Option{fetch.WithURL(options.url), fetch.WithProgress(options.progress)}
	if options.client != nil {
		fetchOpts = append(fetchOpts, fetch.WithClient(options.client))
	}
	text, err := fetch.Fetch(ctx, fetchOpts...)
	if err != nil {
		return nil, &LoadError{Stage: types.StageFetching, Err: err}
	}

	records, err := parse.InBackground(text, options.progress)
	if err != nil {
		return nil, &LoadError{Stage: types.StageParsing, Err: err}
	}

	emit(types.StageCaching, 0, 100, "Extracting metadata...")
	metadata := transform.ExtractMetadata(records)
	emit(types.StageCaching, 50, 100, "Caching data...")

	result := &Result{Vulnerabilities: records, Metadata: metadata}
	if err := dbc.PutVulnerabilities(records, metadata); err != nil {
		slog.Warn("cache write failed, serving the in-memory result", "id", loadID, "err", err)
		return result, err
	}
	emit(types.StageCaching, 100, 100, "Cache write complete")

	emit(types.StageComplete, 100, 100, fmt.Sprintf("Loaded %d vulnerabilities", len(records)))
	slog.Info("load complete", "id", loadID, "count", len(records))
	return result, nil
}

// checkCache reports the cached dataset, or nil to proceed with a fetch.
// Read failures degrade to a miss.
func checkCache(dbc db.DB, loadID string) *Result {
	vulns, err := dbc.GetVulnerabilities()
	if err != nil {
		slog.Warn("cache read failed, falling back to fetch", "id", loadID, "err", err)
		return nil
	}
	if vulns == nil {
		return nil
	}

	metadata, err := dbc.GetMetadata()
	if err != nil {
		slog.Warn("cache read failed, falling back to fetch", "id", loadID, "err", err)
		return nil
	}
	if metadata == nil {
		return nil
	}

	return &Result{Vulnerabilities: vulns, Metadata: *metadata}
}
