package boltdb

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	dbTypes "github.com/ruthvik1904/kai-cyber-dashboard/pkg/db/common/types"
	"github.com/ruthvik1904/kai-cyber-dashboard/pkg/db/common/util"
	"github.com/ruthvik1904/kai-cyber-dashboard/pkg/types"
)

// boltdb: bucket:"vulnerability" key:<id> value:dbTypes.CachedVulnerability (zstd json)

// boltdb: bucket:"index" -> bucket:<field> -> bucket:<value> key:<id> value:nil

// boltdb: bucket:"metadata" key:"main" value:dbTypes.CachedMetadata

var indexFields = []string{"cve", "severity", "kaiStatus", "packageName", "groupName", "repoName"}

type Config struct {
	Path    string
	Options *bolt.Options
}

type Connection struct {
	Config *Config

	conn *bolt.DB
	now  func() time.Time
}

func (c *Connection) Open() error {
	if c.Config == nil {
		return errors.New("connection config is not set")
	}

	db, err := bolt.Open(c.Config.Path, 0600, c.Config.Options)
	if err != nil {
		return &dbTypes.CacheError{Op: "open", Err: errors.WithStack(err)}
	}
	c.conn = db
	if c.now == nil {
		c.now = time.Now
	}
	return nil
}

func (c *Connection) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Connection) getMetadata() (*dbTypes.CachedMetadata, error) {
	var m dbTypes.CachedMetadata
	found := false
	if err := c.conn.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte("metadata"))
		if b == nil {
			return nil
		}

		bs := b.Get([]byte(dbTypes.MetadataID))
		if len(bs) == 0 {
			return nil
		}

		if err := util.Unmarshal(bs, false, &m); err != nil {
			return errors.Wrapf(err, "unmarshal metadata:%s", dbTypes.MetadataID)
		}
		found = true
		return nil
	}); err != nil {
		return nil, &dbTypes.CacheError{Op: "get metadata", Err: err}
	}

	if !found || !dbTypes.Valid(m.CachedAt, c.now()) {
		return nil, nil
	}
	return &m, nil
}

func (c *Connection) GetMetadata() (*types.Metadata, error) {
	m, err := c.getMetadata()
	if err != nil || m == nil {
		return nil, err
	}
	return &m.Metadata, nil
}

func (c *Connection) GetVulnerabilities() ([]types.FlattenedVulnerability, error) {
	m, err := c.getMetadata()
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, nil
	}

	// Non-nil even when empty: a valid metadata row means the dataset is
	// present, a zero-record dataset included.
	vulns := []types.FlattenedVulnerability{}
	if err := c.conn.View(func(tx *bolt.Tx) error {
		vb := tx.Bucket([]byte("vulnerability"))
		if vb == nil {
			return nil
		}

		return vb.ForEach(func(k, v []byte) error {
			var cv dbTypes.CachedVulnerability
			if err := util.Unmarshal(v, true, &cv); err != nil {
				return errors.Wrapf(err, "unmarshal vulnerability:%s", k)
			}
			dbTypes.NormalizePublished(&cv.FlattenedVulnerability)
			vulns = append(vulns, cv.FlattenedVulnerability)
			return nil
		})
	}); err != nil {
		return nil, &dbTypes.CacheError{Op: "get vulnerabilities", Err: err}
	}

	return vulns, nil
}

func (c *Connection) PutVulnerabilities(vulns []types.FlattenedVulnerability, metadata types.Metadata) error {
	if err := c.DeleteAll(); err != nil {
		return err
	}

	now := c.now().UnixMilli()

	// One transaction per batch keeps the writer lock short during bulk
	// inserts of large record sets.
	for start := 0; start < len(vulns); start += dbTypes.BatchSize {
		end := start + dbTypes.BatchSize
		if end > len(vulns) {
			end = len(vulns)
		}

		if err := c.conn.Update(func(tx *bolt.Tx) error {
			vb, err := tx.CreateBucketIfNotExists([]byte("vulnerability"))
			if err != nil {
				return errors.Wrapf(err, "create bucket:%q if not exists", "vulnerability")
			}

			ib, err := tx.CreateBucketIfNotExists([]byte("index"))
			if err != nil {
				return errors.Wrapf(err, "create bucket:%q if not exists", "index")
			}

			for _, v := range vulns[start:end] {
				bs, err := util.Marshal(dbTypes.CachedVulnerability{FlattenedVulnerability: v, CachedAt: now}, true)
				if err != nil {
					return errors.Wrap(err, "marshal vulnerability")
				}

				if err := vb.Put([]byte(v.ID), bs); err != nil {
					return errors.Wrapf(err, "put vulnerability:%s", v.ID)
				}

				for field, value := range indexEntries(v) {
					if value == "" {
						continue
					}
					fb, err := ib.CreateBucketIfNotExists([]byte(field))
					if err != nil {
						return errors.Wrapf(err, "create bucket:%q if not exists", "index:"+field)
					}
					fvb, err := fb.CreateBucketIfNotExists([]byte(value))
					if err != nil {
						return errors.Wrapf(err, "create bucket:%q if not exists", "index:"+field+":"+value)
					}
					if err := fvb.Put([]byte(v.ID), nil); err != nil {
						return errors.Wrapf(err, "put index:%s:%s:%s", field, value, v.ID)
					}
				}
			}

			return nil
		}); err != nil {
			return &dbTypes.CacheError{Op: "put vulnerabilities", Err: err}
		}
	}

	if err := c.conn.Update(func(tx *bolt.Tx) error {
		mb, err := tx.CreateBucketIfNotExists([]byte("metadata"))
		if err != nil {
			return errors.Wrapf(err, "create bucket:%q if not exists", "metadata")
		}

		bs, err := util.Marshal(dbTypes.CachedMetadata{
			ID:            dbTypes.MetadataID,
			Metadata:      metadata,
			SchemaVersion: dbTypes.SchemaVersion,
			CachedAt:      now,
		}, false)
		if err != nil {
			return errors.Wrap(err, "marshal metadata")
		}

		if err := mb.Put([]byte(dbTypes.MetadataID), bs); err != nil {
			return errors.Wrapf(err, "put metadata:%s", dbTypes.MetadataID)
		}

		return nil
	}); err != nil {
		return &dbTypes.CacheError{Op: "put metadata", Err: err}
	}

	return nil
}

func indexEntries(v types.FlattenedVulnerability) map[string]string {
	return map[string]string{
		"cve":         v.CVE,
		"severity":    strings.ToLower(v.Severity),
		"kaiStatus":   dbTypes.IndexKaiStatus(v.KaiStatus),
		"packageName": v.PackageName,
		"groupName":   v.GroupName,
		"repoName":    v.RepoName,
	}
}

func (c *Connection) IsAvailable() bool {
	m, err := c.getMetadata()
	return err == nil && m != nil
}

func (c *Connection) Count() (int, error) {
	n := 0
	if err := c.conn.View(func(tx *bolt.Tx) error {
		vb := tx.Bucket([]byte("vulnerability"))
		if vb == nil {
			return nil
		}
		n = vb.Stats().KeyN
		return nil
	}); err != nil {
		return 0, &dbTypes.CacheError{Op: "count", Err: err}
	}
	return n, nil
}

func (c *Connection) GetBySeverity(severity string) ([]types.FlattenedVulnerability, error) {
	return c.getByIndex("severity", strings.ToLower(severity))
}

func (c *Connection) GetByKaiStatus(status string, exclude bool) ([]types.FlattenedVulnerability, error) {
	if !exclude {
		return c.getByIndex("kaiStatus", dbTypes.IndexKaiStatus(status))
	}

	all, err := c.scanAll()
	if err != nil {
		return nil, err
	}
	var vulns []types.FlattenedVulnerability
	for _, v := range all {
		if dbTypes.IndexKaiStatus(v.KaiStatus) != dbTypes.IndexKaiStatus(status) {
			vulns = append(vulns, v)
		}
	}
	return vulns, nil
}

func (c *Connection) Search(query string) ([]types.FlattenedVulnerability, error) {
	all, err := c.scanAll()
	if err != nil {
		return nil, err
	}

	q := strings.ToLower(query)
	var vulns []types.FlattenedVulnerability
	for _, v := range all {
		if strings.Contains(strings.ToLower(v.CVE), q) || strings.Contains(strings.ToLower(v.PackageName), q) {
			vulns = append(vulns, v)
		}
	}
	return vulns, nil
}

// scanAll reads every stored record regardless of metadata validity; query
// paths serve whatever rows physically exist.
func (c *Connection) scanAll() ([]types.FlattenedVulnerability, error) {
	var vulns []types.FlattenedVulnerability
	if err := c.conn.View(func(tx *bolt.Tx) error {
		vb := tx.Bucket([]byte("vulnerability"))
		if vb == nil {
			return nil
		}

		return vb.ForEach(func(k, v []byte) error {
			var cv dbTypes.CachedVulnerability
			if err := util.Unmarshal(v, true, &cv); err != nil {
				return errors.Wrapf(err, "unmarshal vulnerability:%s", k)
			}
			dbTypes.NormalizePublished(&cv.FlattenedVulnerability)
			vulns = append(vulns, cv.FlattenedVulnerability)
			return nil
		})
	}); err != nil {
		return nil, &dbTypes.CacheError{Op: "scan vulnerabilities", Err: err}
	}
	return vulns, nil
}

func (c *Connection) getByIndex(field, value string) ([]types.FlattenedVulnerability, error) {
	var vulns []types.FlattenedVulnerability
	if err := c.conn.View(func(tx *bolt.Tx) error {
		vb := tx.Bucket([]byte("vulnerability"))
		ib := tx.Bucket([]byte("index"))
		if vb == nil || ib == nil {
			return nil
		}

		fb := ib.Bucket([]byte(field))
		if fb == nil {
			return nil
		}
		fvb := fb.Bucket([]byte(value))
		if fvb == nil {
			return nil
		}

		return fvb.ForEach(func(k, _ []byte) error {
			bs := vb.Get(k)
			if len(bs) == 0 {
				return errors.Errorf("index entry %s:%s:%s has no record", field, value, k)
			}

			var cv dbTypes.CachedVulnerability
			if err := util.Unmarshal(bs, true, &cv); err != nil {
				return errors.Wrapf(err, "unmarshal vulnerability:%s", k)
			}
			dbTypes.NormalizePublished(&cv.FlattenedVulnerability)
			vulns = append(vulns, cv.FlattenedVulnerability)
			return nil
		})
	}); err != nil {
		return nil, &dbTypes.CacheError{Op: "get by " + field, Err: err}
	}
	return vulns, nil
}

func (c *Connection) DeleteAll() error {
	if err := c.conn.Update(func(tx *bolt.Tx) error {
		var ns [][]byte
		if err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			ns = append(ns, name)
			return nil
		}); err != nil {
			return errors.Wrap(err, "foreach root")
		}

		for _, n := range ns {
			if err := tx.DeleteBucket(n); err != nil {
				return errors.Wrapf(err, "delete bucket:%q", n)
			}
		}

		return nil
	}); err != nil {
		return &dbTypes.CacheError{Op: "clear", Err: err}
	}
	return nil
}
