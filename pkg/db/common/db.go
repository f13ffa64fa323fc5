package common

import (
	"github.com/pkg/errors"
	"github.com/redis/rueidis"
	bolt "go.etcd.io/bbolt"
	"gorm.io/gorm"

	"github.com/ruthvik1904/kai-cyber-dashboard/pkg/db/common/boltdb"
	"github.com/ruthvik1904/kai-cyber-dashboard/pkg/db/common/rdb"
	"github.com/ruthvik1904/kai-cyber-dashboard/pkg/db/common/redis"
	"github.com/ruthvik1904/kai-cyber-dashboard/pkg/types"
)

// DB is the cache store holding the single "main" dataset: the flattened
// record set plus its metadata row. Get paths report absence (nil, nil)
// only when the metadata row is missing or expired; a present dataset with
// zero records yields a non-nil empty slice. The query methods read
// whatever rows are physically present and do not re-check expiry.
type DB interface {
	Open() error
	Close() error

	GetVulnerabilities() ([]types.FlattenedVulnerability, error)
	GetMetadata() (*types.Metadata, error)
	PutVulnerabilities([]types.FlattenedVulnerability, types.Metadata) error
	IsAvailable() bool
	Count() (int, error)

	GetBySeverity(severity string) ([]types.FlattenedVulnerability, error)
	GetByKaiStatus(status string, exclude bool) ([]types.FlattenedVulnerability, error)
	Search(query string) ([]types.FlattenedVulnerability, error)

	DeleteAll() error
}

type Config struct {
	Type    string
	Path    string
	Options DBOptions
}

type DBOptions struct {
	BoltDB *bolt.Options
	Redis  *rueidis.ClientOption
	RDB    []gorm.Option
}

func (c *Config) New() (DB, error) {
	switch c.Type {
	case "boltdb":
		return &boltdb.Connection{Config: &boltdb.Config{Path: c.Path, Options: c.Options.BoltDB}}, nil
	case "redis":
		conf := c.Options.Redis
		if conf == nil {
			conf = &rueidis.ClientOption{InitAddress: []string{c.Path}}
		}
		return &redis.Connection{Config: conf}, nil
	case "sqlite3", "mysql", "postgres":
		return &rdb.Connection{Config: &rdb.Config{Type: c.Type, Path: c.Path, Options: c.Options.RDB}}, nil
	default:
		return nil, errors.Errorf("%s is not support dbtype", c.Type)
	}
}
