package rdb

import (
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dbTypes "github.com/ruthvik1904/kai-cyber-dashboard/pkg/db/common/types"
	"github.com/ruthvik1904/kai-cyber-dashboard/pkg/db/common/util"
	"github.com/ruthvik1904/kai-cyber-dashboard/pkg/types"
)

type Config struct {
	Type    string
	Path    string
	Options []gorm.Option
}

type Connection struct {
	Config *Config

	conn *gorm.DB
	now  func() time.Time
}

// vulnerabilityRow carries the queryable columns alongside the full record
// payload. Severity is stored lowercased and KaiStatus normalized so index
// lookups match the metadata buckets.
type vulnerabilityRow struct {
	ID          string `gorm:"primaryKey"`
	CVE         string `gorm:"index"`
	Severity    string `gorm:"index"`
	KaiStatus   string `gorm:"index"`
	PackageName string `gorm:"index"`
	GroupName   string `gorm:"index"`
	RepoName    string `gorm:"index"`
	CachedAt    int64  `gorm:"index"`
	Data        []byte
}

type metadataRow struct {
	ID   string `gorm:"primaryKey"`
	Data []byte
}

func (c *Connection) Open() error {
	if c.Config == nil {
		return errors.New("connection config is not set")
	}

	var dialector gorm.Dialector
	switch c.Config.Type {
	case "sqlite3":
		dialector = sqlite.Open(c.Config.Path)
	case "mysql":
		dialector = mysql.Open(c.Config.Path)
	case "postgres":
		dialector = postgres.Open(c.Config.Path)
	default:
		return errors.Errorf("%s is not support dbtype", c.Config.Type)
	}

	db, err := gorm.Open(dialector, c.Config.Options...)
	if err != nil {
		return &dbTypes.CacheError{Op: "open", Err: errors.WithStack(err)}
	}

	if err := db.AutoMigrate(&vulnerabilityRow{}, &metadataRow{}); err != nil {
		return &dbTypes.CacheError{Op: "migrate", Err: errors.WithStack(err)}
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
	db, err := c.conn.DB()
	if err != nil {
		return errors.Wrap(err, "get sql.DB")
	}
	return db.Close()
}

func (c *Connection) getMetadata() (*dbTypes.CachedMetadata, error) {
	var r metadataRow
	if err := c.conn.Where("id = ?", dbTypes.MetadataID).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, &dbTypes.CacheError{Op: "get metadata", Err: errors.WithStack(err)}
	}

	var m dbTypes.CachedMetadata
	if err := util.Unmarshal(r.Data, false, &m); err != nil {
		return nil, &dbTypes.CacheError{Op: "get metadata", Err: err}
	}

	if !dbTypes.Valid(m.CachedAt, c.now()) {
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

	vulns, err := c.selectVulnerabilities(c.conn)
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

func (c *Connection) selectVulnerabilities(tx *gorm.DB) ([]types.FlattenedVulnerability, error) {
	var rows []vulnerabilityRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, &dbTypes.CacheError{Op: "get vulnerabilities", Err: errors.WithStack(err)}
	}

	var vulns []types.FlattenedVulnerability
	for _, r := range rows {
		var cv dbTypes.CachedVulnerability
		if err := util.Unmarshal(r.Data, true, &cv); err != nil {
			return nil, &dbTypes.CacheError{Op: "get vulnerabilities", Err: errors.Wrapf(err, "unmarshal vulnerability:%s", r.ID)}
		}
		dbTypes.NormalizePublished(&cv.FlattenedVulnerability)
		vulns = append(vulns, cv.FlattenedVulnerability)
	}
	return vulns, nil
}

func (c *Connection) PutVulnerabilities(vulns []types.FlattenedVulnerability, metadata types.Metadata) error {
	if err := c.DeleteAll(); err != nil {
		return err
	}

	now := c.now().UnixMilli()

	rows := make([]vulnerabilityRow, 0, len(vulns))
	for _, v := range vulns {
		bs, err := util.Marshal(dbTypes.CachedVulnerability{FlattenedVulnerability: v, CachedAt: now}, true)
		if err != nil {
			return &dbTypes.CacheError{Op: "put vulnerabilities", Err: errors.Wrap(err, "marshal vulnerability")}
		}
		rows = append(rows, vulnerabilityRow{
			ID:          v.ID,
			CVE:         v.CVE,
			Severity:    strings.ToLower(v.Severity),
			KaiStatus:   dbTypes.IndexKaiStatus(v.KaiStatus),
			PackageName: v.PackageName,
			GroupName:   v.GroupName,
			RepoName:    v.RepoName,
			CachedAt:    now,
			Data:        bs,
		})
	}

	// The same id can appear twice when a document repeats a CVE under one
	// image; the last occurrence wins, as with a keyed bucket put.
	if len(rows) > 0 {
		if err := c.conn.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(rows, dbTypes.BatchSize).Error; err != nil {
			return &dbTypes.CacheError{Op: "put vulnerabilities", Err: errors.WithStack(err)}
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

	if err := c.conn.Clauses(clause.OnConflict{UpdateAll: true}).Create(&metadataRow{ID: dbTypes.MetadataID, Data: bs}).Error; err != nil {
		return &dbTypes.CacheError{Op: "put metadata", Err: errors.WithStack(err)}
	}

	return nil
}

func (c *Connection) IsAvailable() bool {
	m, err := c.getMetadata()
	return err == nil && m != nil
}

func (c *Connection) Count() (int, error) {
	var n int64
	if err := c.conn.Model(&vulnerabilityRow{}).Count(&n).Error; err != nil {
		return 0, &dbTypes.CacheError{Op: "count", Err: errors.WithStack(err)}
	}
	return int(n), nil
}

func (c *Connection) GetBySeverity(severity string) ([]types.FlattenedVulnerability, error) {
	return c.selectVulnerabilities(c.conn.Where("severity = ?", strings.ToLower(severity)))
}

func (c *Connection) GetByKaiStatus(status string, exclude bool) ([]types.FlattenedVulnerability, error) {
	if exclude {
		return c.selectVulnerabilities(c.conn.Where("kai_status <> ?", dbTypes.IndexKaiStatus(status)))
	}
	return c.selectVulnerabilities(c.conn.Where("kai_status = ?", dbTypes.IndexKaiStatus(status)))
}

func (c *Connection) Search(query string) ([]types.FlattenedVulnerability, error) {
	// Match in Go rather than with LIKE; case folding in SQL differs per
	// driver and collation.
	all, err := c.selectVulnerabilities(c.conn)
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

func (c *Connection) DeleteAll() error {
	if err := c.conn.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&vulnerabilityRow{}).Error; err != nil {
		return &dbTypes.CacheError{Op: "clear", Err: errors.WithStack(err)}
	}
	if err := c.conn.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&metadataRow{}).Error; err != nil {
		return &dbTypes.CacheError{Op: "clear", Err: errors.WithStack(err)}
	}
	return nil
}
