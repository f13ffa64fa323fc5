package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	utilos "github.com/ruthvik1904/kai-cyber-dashboard/pkg/util/os"
)

// DefaultURL is where the vulnerability document is fetched from unless
// overridden by config, flag or the KAI_VULN_DATA_URL environment variable.
const DefaultURL = "https://kai-vuln-data.s3.amazonaws.com/vulnerability_data.json"

type Config struct {
	URL    string `json:"url,omitempty"`
	DBType string `json:"dbtype,omitempty"`
	DBPath string `json:"dbpath,omitempty"`
}

func Default() Config {
	c := Config{
		URL:    DefaultURL,
		DBType: "boltdb",
		DBPath: filepath.Join(utilos.UserCacheDir(), "kaidash.db"),
	}
	if u := os.Getenv("KAI_VULN_DATA_URL"); u != "" {
		c.URL = u
	}
	return c
}

// Open reads a config file and fills unset fields from the defaults.
func Open(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	var src Config
	if err := json.NewDecoder(f).Decode(&src); err != nil {
		return Config{}, errors.Wrap(err, "decode json")
	}

	c := Default()
	if src.URL != "" {
		c.URL = src.URL
	}
	if src.DBType != "" {
		c.DBType = src.DBType
	}
	if src.DBPath != "" {
		c.DBPath = src.DBPath
	}
	return c, nil
}
