package load

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/MakeNowJust/heredoc"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	utilflag "github.com/ruthvik1904/kai-cyber-dashboard/pkg/cmd/util/flag"
	"github.com/ruthvik1904/kai-cyber-dashboard/pkg/config"
	"github.com/ruthvik1904/kai-cyber-dashboard/pkg/load"
	"github.com/ruthvik1904/kai-cyber-dashboard/pkg/types"
	utilos "github.com/ruthvik1904/kai-cyber-dashboard/pkg/util/os"
)

func NewCmd() *cobra.Command {
	options := struct {
		configPath string
		url        string
		dbtype     utilflag.DBType
		dbpath     string
		force      bool
		noProgress bool
	}{
		url:    config.Default().URL,
		dbtype: utilflag.DBTypeBoltDB,
		dbpath: filepath.Join(utilos.UserCacheDir(), "kaidash.db"),
	}

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Load vulnerability data into the local cache",
		Example: heredoc.Doc(`
		$ kaidash load
		$ kaidash load --force
		$ kaidash load --config config.json
		$ kaidash load --url http://127.0.0.1:8080/vulnerability_data.json --dbtype sqlite3 --dbpath kaidash.sqlite3
		`),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if options.configPath != "" {
				c, err := config.Open(options.configPath)
				if err != nil {
					return errors.Wrap(err, "open config")
				}
				// Flags set explicitly win over the config file.
				if !cmd.Flags().Changed("url") {
					options.url = c.URL
				}
				if !cmd.Flags().Changed("dbtype") {
					if err := options.dbtype.Set(c.DBType); err != nil {
						return errors.Wrap(err, "set dbtype from config")
					}
				}
				if !cmd.Flags().Changed("dbpath") {
					options.dbpath = c.DBPath
				}
			}

			var sink types.ProgressFunc
			if !options.noProgress {
				s := &progressSink{}
				defer s.close()
				sink = s.observe
			}

			loadFn := load.Load
			if options.force {
				loadFn = load.Reload
			}

			r, err := loadFn(cmd.Context(),
				load.WithURL(options.url),
				load.WithDBType(options.dbtype.String()),
				load.WithDBPath(options.dbpath),
				load.WithProgress(sink),
			)
			if err != nil {
				if r == nil {
					return errors.Wrap(err, "load")
				}
				// Parsed data is still usable, only the cache write failed.
				slog.Warn("loaded data could not be cached", "err", err)
			}

			fmt.Fprintf(os.Stdout, "loaded %d vulnerabilities (critical: %d, high: %d, medium: %d, low: %d) across %d groups, %d repos, %d images\n",
				r.Metadata.TotalCount,
				r.Metadata.SeverityDistribution.Critical, r.Metadata.SeverityDistribution.High,
				r.Metadata.SeverityDistribution.Medium, r.Metadata.SeverityDistribution.Low,
				r.Metadata.TotalGroups, r.Metadata.TotalRepos, r.Metadata.TotalImages)
			return nil
		},
	}

	cmd.Flags().StringVarP(&options.configPath, "config", "c", "", "kaidash config file path")
	cmd.Flags().StringVarP(&options.url, "url", "", options.url, "vulnerability data url")
	cmd.Flags().VarP(&options.dbtype, "dbtype", "", "kaidash db type (default: boltdb, accepts: [boltdb, redis, sqlite3, mysql, postgres])")
	_ = cmd.RegisterFlagCompletionFunc("dbtype", utilflag.DBTypeCompletion)
	cmd.Flags().StringVarP(&options.dbpath, "dbpath", "", options.dbpath, "kaidash db path")
	cmd.Flags().BoolVarP(&options.force, "force", "f", options.force, "clear the cache and refetch")
	cmd.Flags().BoolVarP(&options.noProgress, "no-progress", "", options.noProgress, "do not render progress bars")

	return cmd
}

// progressSink renders one bar per pipeline stage, replacing the bar when
// the stage advances.
type progressSink struct {
	stage types.Stage
	total int
	bar   *progressbar.ProgressBar
}

func (s *progressSink) observe(p types.Progress) {
	if p.Stage == types.StageComplete {
		s.close()
		return
	}

	if s.bar == nil || p.Stage != s.stage || p.Total != s.total {
		s.close()
		s.stage = p.Stage
		s.total = p.Total
		s.bar = progressbar.Default(int64(p.Total), string(p.Stage))
	}
	_ = s.bar.Set(p.Progress)
}

func (s *progressSink) close() {
	if s.bar != nil {
		_ = s.bar.Finish()
		s.bar = nil
	}
}
