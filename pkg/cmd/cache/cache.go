package cache

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/MakeNowJust/heredoc"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	utilflag "github.com/ruthvik1904/kai-cyber-dashboard/pkg/cmd/util/flag"
	db "github.com/ruthvik1904/kai-cyber-dashboard/pkg/db/common"
	"github.com/ruthvik1904/kai-cyber-dashboard/pkg/transform"
	"github.com/ruthvik1904/kai-cyber-dashboard/pkg/types"
	utilos "github.com/ruthvik1904/kai-cyber-dashboard/pkg/util/os"
)

func NewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache <subcommand>",
		Short: "Operate the local vulnerability cache",
		Example: heredoc.Doc(`
		$ kaidash cache status
		$ kaidash cache search openssl
		$ kaidash cache search --severity critical --sort cvss
		$ kaidash cache clear
		`),
	}

	cmd.AddCommand(
		newStatusCmd(),
		newSearchCmd(),
		newClearCmd(),
	)

	return cmd
}

func newStatusCmd() *cobra.Command {
	options := struct {
		dbtype utilflag.DBType
		dbpath string
	}{
		dbtype: utilflag.DBTypeBoltDB,
		dbpath: filepath.Join(utilos.UserCacheDir(), "kaidash.db"),
	}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "show whether a fresh dataset is cached, and its summary",
		Example: heredoc.Doc(`
		$ kaidash cache status
		`),
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			dbc, err := (&db.Config{Type: options.dbtype.String(), Path: options.dbpath}).New()
			if err != nil {
				return errors.Wrap(err, "new db connection")
			}
			if err := dbc.Open(); err != nil {
				return errors.Wrapf(err, "open db. dbtype: %s, dbpath: %s", options.dbtype.String(), options.dbpath)
			}
			defer dbc.Close()

			metadata, err := dbc.GetMetadata()
			if err != nil {
				return errors.Wrap(err, "get metadata")
			}
			count, err := dbc.Count()
			if err != nil {
				return errors.Wrap(err, "count")
			}

			e := json.NewEncoder(os.Stdout)
			e.SetIndent("", "  ")
			if err := e.Encode(struct {
				Available bool `json:"available"`
				Count     int  `json:"count"`
				Metadata  any  `json:"metadata,omitempty"`
			}{
				Available: metadata != nil,
				Count:     count,
				Metadata:  metadata,
			}); err != nil {
				return errors.Wrap(err, "encode status")
			}
			return nil
		},
	}

	cmd.Flags().VarP(&options.dbtype, "dbtype", "", "kaidash db type (default: boltdb, accepts: [boltdb, redis, sqlite3, mysql, postgres])")
	_ = cmd.RegisterFlagCompletionFunc("dbtype", utilflag.DBTypeCompletion)
	cmd.Flags().StringVarP(&options.dbpath, "dbpath", "", options.dbpath, "kaidash db path")

	return cmd
}

func newSearchCmd() *cobra.Command {
	options := struct {
		dbtype           utilflag.DBType
		dbpath           string
		severity         []string
		kaiStatus        []string
		excludeKaiStatus []string
		packageName      string
		sortKey          string
		ascending        bool
	}{
		dbtype:  utilflag.DBTypeBoltDB,
		dbpath:  filepath.Join(utilos.UserCacheDir(), "kaidash.db"),
		sortKey: string(transform.SortCVSS),
	}

	cmd := &cobra.Command{
		Use:   "search [<query>]",
		Short: "search cached vulnerabilities by cve or package name",
		Example: heredoc.Doc(`
		$ kaidash cache search CVE-2024-0001
		$ kaidash cache search openssl --severity critical --severity high
		$ kaidash cache search --exclude-kai-status "invalid - norisk" --sort published
		`),
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			dbc, err := (&db.Config{Type: options.dbtype.String(), Path: options.dbpath}).New()
			if err != nil {
				return errors.Wrap(err, "new db connection")
			}
			if err := dbc.Open(); err != nil {
				return errors.Wrapf(err, "open db. dbtype: %s, dbpath: %s", options.dbtype.String(), options.dbpath)
			}
			defer dbc.Close()

			query := ""
			if len(args) == 1 {
				query = args[0]
			}

			filters := transform.Filters{
				Severity:         options.severity,
				KaiStatus:        options.kaiStatus,
				ExcludeKaiStatus: options.excludeKaiStatus,
				PackageName:      options.packageName,
			}

			vulns, err := queryVulnerabilities(dbc, query, filters)
			if err != nil {
				return errors.Wrap(err, "search")
			}

			vulns = transform.Filter(vulns, filters)
			vulns = transform.Sort(vulns, transform.SortKey(options.sortKey), options.ascending)

			e := json.NewEncoder(os.Stdout)
			e.SetIndent("", "  ")
			if err := e.Encode(vulns); err != nil {
				return errors.Wrap(err, "encode vulnerabilities")
			}
			return nil
		},
	}

	cmd.Flags().VarP(&options.dbtype, "dbtype", "", "kaidash db type (default: boltdb, accepts: [boltdb, redis, sqlite3, mysql, postgres])")
	_ = cmd.RegisterFlagCompletionFunc("dbtype", utilflag.DBTypeCompletion)
	cmd.Flags().StringVarP(&options.dbpath, "dbpath", "", options.dbpath, "kaidash db path")
	cmd.Flags().StringSliceVarP(&options.severity, "severity", "", nil, "filter by severity (case-insensitive)")
	cmd.Flags().StringSliceVarP(&options.kaiStatus, "kai-status", "", nil, "filter by kaiStatus")
	cmd.Flags().StringSliceVarP(&options.excludeKaiStatus, "exclude-kai-status", "", nil, "exclude kaiStatus values")
	cmd.Flags().StringVarP(&options.packageName, "package", "", "", "filter by package name substring")
	cmd.Flags().StringVarP(&options.sortKey, "sort", "", options.sortKey, "sort key (accepts: [cvss, severity, published, cve])")
	cmd.Flags().BoolVarP(&options.ascending, "asc", "", options.ascending, "sort ascending instead of descending")

	return cmd
}

// queryVulnerabilities picks the base record set, preferring a backend index
// over a full scan when a single indexed criterion narrows it. The remaining
// criteria are applied in memory afterwards; re-applying the indexed one
// there is a no-op.
func queryVulnerabilities(dbc db.DB, query string, f transform.Filters) ([]types.FlattenedVulnerability, error) {
	if query == "" {
		switch {
		case len(f.Severity) == 1:
			return dbc.GetBySeverity(f.Severity[0])
		case len(f.KaiStatus) == 1:
			return dbc.GetByKaiStatus(f.KaiStatus[0], false)
		case len(f.KaiStatus) == 0 && len(f.ExcludeKaiStatus) == 1:
			return dbc.GetByKaiStatus(f.ExcludeKaiStatus[0], true)
		}
	}
	return dbc.Search(query)
}

func newClearCmd() *cobra.Command {
	options := struct {
		dbtype utilflag.DBType
		dbpath string
	}{
		dbtype: utilflag.DBTypeBoltDB,
		dbpath: filepath.Join(utilos.UserCacheDir(), "kaidash.db"),
	}

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "delete all cached vulnerability data",
		Example: heredoc.Doc(`
		$ kaidash cache clear
		`),
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			dbc, err := (&db.Config{Type: options.dbtype.String(), Path: options.dbpath}).New()
			if err != nil {
				return errors.Wrap(err, "new db connection")
			}
			if err := dbc.Open(); err != nil {
				return errors.Wrapf(err, "open db. dbtype: %s, dbpath: %s", options.dbtype.String(), options.dbpath)
			}
			defer dbc.Close()

			if err := dbc.DeleteAll(); err != nil {
				return errors.Wrap(err, "clear db")
			}
			return nil
		},
	}

	cmd.Flags().VarP(&options.dbtype, "dbtype", "", "kaidash db type (default: boltdb, accepts: [boltdb, redis, sqlite3, mysql, postgres])")
	_ = cmd.RegisterFlagCompletionFunc("dbtype", utilflag.DBTypeCompletion)
	cmd.Flags().StringVarP(&options.dbpath, "dbpath", "", options.dbpath, "kaidash db path")

	return cmd
}
