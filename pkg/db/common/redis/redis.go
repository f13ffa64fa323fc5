package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/rueidis"

	dbTypes "github.com/ruthvik1904/kai-cyber-dashboard/pkg/db/common/types"
	"github.com/ruthvik1904/kai-cyber-dashboard/pkg/db/common/util"
	"github.com/ruthvik1904/kai-cyber-dashboard/pkg/types"
)

// redis: HASH key:"vulnerability" field:<id> value:dbTypes.CachedVulnerability (zstd json)

// redis: HASH key:"metadata" field:"main" value:dbTypes.CachedMetadata

// redis: SET key:"index#<field>#<value>" member:<id>

// redis: SET key:"indexes" member:<index key>, for DeleteAll

type Connection struct {
	Config *rueidis.ClientOption

	conn rueidis.Client
	now  func() time.Time
}

func (c *Connection) Open() error {
	if c.Config == nil {
		return errors.New("connection config is not set")
	}

	client, err := rueidis.NewClient(*c.Config)
	if err != nil {
		return &dbTypes.CacheError{Op: "open", Err: errors.WithStack(err)}
	}
	c.conn = client
	if c.now == nil {
		c.now = time.Now
	}
	return nil
}

func (c *Connection) Close() error {
	if c.conn == nil {
		return nil
	}
	c.conn.Close()
	return nil
}

func (c *Connection) getMetadata(ctx context.Context) (*dbTypes.CachedMetadata, error) {
	bs, err := c.conn.Do(ctx, c.conn.B().Hget().Key("metadata").Field(dbTypes.MetadataID).Build()).AsBytes()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, nil
		}
		return nil, &dbTypes.CacheError{Op: "get metadata", Err: errors.WithStack(err)}
	}

	var m dbTypes.CachedMetadata
	if err := util.Unmarshal(bs, false, &m); err != nil {
		return nil, &dbTypes.CacheError{Op: "get metadata", Err: err}
	}

	if !dbTypes.Valid(m.CachedAt, c.now()) {
		return nil, nil
	}
	return &m, nil
}

func (c *Connection) GetMetadata() (*types.Metadata, error) {
	m, err := c.getMetadata(context.Background())
	if err != nil || m == nil {
		return nil, err
	}
	return &m.Metadata, nil
}

func (c *Connection) GetVulnerabilities() ([]types.FlattenedVulnerability, error) {
	ctx := context.Background()

	m, err := c.getMetadata(ctx)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, nil
	}

	vulns, err := c.scanAll(ctx)
	if err != nil {
		return nil, err
	}
	if vulns == nil {
		// Non-nil even when empty: a valid metadata row means the dataset
		// is present, a zero-record dataset included.
		vulns = []types.FlattenedVulnerability{}
	}
	return vulns, nil
}

func (c *Connection) scanAll(ctx context.Context) ([]types.FlattenedVulnerability, error) {
	kvs, err := c.conn.Do(ctx, c.conn.B().Hgetall().Key("vulnerability").Build()).AsStrMap()
	if err != nil {
		return nil, &dbTypes.CacheError{Op: "get vulnerabilities", Err: errors.WithStack(err)}
	}

	var vulns []types.FlattenedVulnerability
	for id, bs := range kvs {
		var cv dbTypes.CachedVulnerability
		if err := util.Unmarshal([]byte(bs), true, &cv); err != nil {
			return nil, &dbTypes.CacheError{Op: "get vulnerabilities", Err: errors.Wrapf(err, "unmarshal vulnerability:%s", id)}
		}
		dbTypes.NormalizePublished(&cv.FlattenedVulnerability)
		vulns = append(vulns, cv.FlattenedVulnerability)
	}
	return vulns, nil
}

func (c *Connection) PutVulnerabilities(vulns []types.FlattenedVulnerability, metadata types.Metadata) error {
	ctx := context.Background()

	if err := c.DeleteAll(); err != nil {
		return err
	}

	now := c.now().UnixMilli()

	for start := 0; start < len(vulns); start += dbTypes.BatchSize {
		end := start + dbTypes.BatchSize
		if end > len(vulns) {
			end = len(vulns)
		}

		var cmds []rueidis.Completed
		for _, v := range vulns[start:end] {
			bs, err := util.Marshal(dbTypes.CachedVulnerability{FlattenedVulnerability: v, CachedAt: now}, true)
			if err != nil {
				return &dbTypes.CacheError{Op: "put vulnerabilities", Err: errors.Wrap(err, "marshal vulnerability")}
			}

			cmds = append(cmds, c.conn.B().Hset().Key("vulnerability").FieldValue().FieldValue(v.ID, string(bs)).Build())
			for field, value := range map[string]string{
				"cve":         v.CVE,
				"severity":    strings.ToLower(v.Severity),
				"kaiStatus":   dbTypes.IndexKaiStatus(v.KaiStatus),
				"packageName": v.PackageName,
				"groupName":   v.GroupName,
				"repoName":    v.RepoName,
			} {
				if value == "" {
					continue
				}
				k := fmt.Sprintf("index#%s#%s", field, value)
				cmds = append(cmds,
					c.conn.B().Sadd().Key(k).Member(v.ID).Build(),
					c.conn.B().Sadd().Key("indexes").Member(k).Build(),
				)
			}
		}

		for _, res := range c.conn.DoMulti(ctx, cmds...) {
			if err := res.Error(); err != nil {
				return &dbTypes.CacheError{Op: "put vulnerabilities", Err: errors.WithStack(err)}
			}
		}
	}

	bs, err := util.Marshal(dbTypes.CachedMetadata{
		ID:            dbTypes.MetadataID,
		Metadata:      metadata,
		SchemaVersion: dbTypes.SchemaVersion,
		CachedAt:      now,
	}, false)
	if err != nil {
		return &dbTypes.CacheError{Op: "put metadata", Err: errors.Wrap(err, "marshal metadata")}
	}

	if err := c.conn.Do(ctx, c.conn.B().Hset().Key("metadata").FieldValue().FieldValue(dbTypes.MetadataID, string(bs)).Build()).Error(); err != nil {
		return &dbTypes.CacheError{Op: "put metadata", Err: errors.WithStack(err)}
	}

	return nil
}

func (c *Connection) IsAvailable() bool {
	m, err := c.getMetadata(context.Background())
	return err == nil && m != nil
}

func (c *Connection) Count() (int, error) {
	n, err := c.conn.Do(context.Background(), c.conn.B().Hlen().Key("vulnerability").Build()).AsInt64()
	if err != nil {
		return 0, &dbTypes.CacheError{Op: "count", Err: errors.WithStack(err)}
	}
	return int(n), nil
}

func (c *Connection) GetBySeverity(severity string) ([]types.FlattenedVulnerability, error) {
	return c.getByIndex("severity", strings.ToLower(severity))
}

func (c *Connection) GetByKaiStatus(status string, exclude bool) ([]types.FlattenedVulnerability, error) {
	if !exclude {
		return c.getByIndex("kaiStatus", dbTypes.IndexKaiStatus(status))
	}

	all, err := c.scanAll(context.Background())
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
	all, err := c.scanAll(context.Background())
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

func (c *Connection) getByIndex(field, value string) ([]types.FlattenedVulnerability, error) {
	ctx := context.Background()

	ids, err := c.conn.Do(ctx, c.conn.B().Smembers().Key(fmt.Sprintf("index#%s#%s", field, value)).Build()).AsStrSlice()
	if err != nil {
		return nil, &dbTypes.CacheError{Op: "get by " + field, Err: errors.WithStack(err)}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	vs, err := c.conn.Do(ctx, c.conn.B().Hmget().Key("vulnerability").Field(ids...).Build()).AsStrSlice()
	if err != nil {
		return nil, &dbTypes.CacheError{Op: "get by " + field, Err: errors.WithStack(err)}
	}

	var vulns []types.FlattenedVulnerability
	for i, bs := range vs {
		if bs == "" {
			return nil, &dbTypes.CacheError{Op: "get by " + field, Err: errors.Errorf("index entry %s:%s:%s has no record", field, value, ids[i])}
		}

		var cv dbTypes.CachedVulnerability
		if err := util.Unmarshal([]byte(bs), true, &cv); err != nil {
			return nil, &dbTypes.CacheError{Op: "get by " + field, Err: errors.Wrapf(err, "unmarshal vulnerability:%s", ids[i])}
		}
		dbTypes.NormalizePublished(&cv.FlattenedVulnerability)
		vulns = append(vulns, cv.FlattenedVulnerability)
	}
	return vulns, nil
}

func (c *Connection) DeleteAll() error {
	ctx := context.Background()

	ks, err := c.conn.Do(ctx, c.conn.B().Smembers().Key("indexes").Build()).AsStrSlice()
	if err != nil {
		return &dbTypes.CacheError{Op: "clear", Err: errors.WithStack(err)}
	}

	ks = append(ks, "vulnerability", "metadata", "indexes")
	if err := c.conn.Do(ctx, c.conn.B().Del().Key(ks...).Build()).Error(); err != nil {
		return &dbTypes.CacheError{Op: "clear", Err: errors.WithStack(err)}
	}
	return nil
}
