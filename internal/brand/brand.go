// Package brand names the daemon, its files and the firewall objects it
// owns. Values come from the embedded brand.json.
package brand

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
)

//go:embed brand.json
var brandJSON []byte

type identity struct {
	Name           string `json:"name"`
	LowerName      string `json:"lowerName"`
	EnvPrefix      string `json:"envPrefix"`
	ConfigDir      string `json:"configDir"`
	StateDir       string `json:"stateDir"`
	ConfigFile     string `json:"configFile"`
	StateFile      string `json:"stateFile"`
	Binary         string `json:"binary"`
	TempRulePrefix string `json:"tempRulePrefix"`
	RuleGroup      string `json:"ruleGroup"`
	Table          string `json:"table"`
}

var (
	Name      string
	LowerName string
	// EnvPrefix prefixes the directory override variables, e.g. FWGUARD_STATE_DIR.
	EnvPrefix  string
	BinaryName string

	// TempRulePrefix marks rules that expire on the next cleanup sweep.
	TempRulePrefix string
	// RuleGroup is the grouping given to rules the daemon creates itself.
	RuleGroup string
	// TableName is the nftables table holding guarded rules.
	TableName string

	// Set at build time via -ldflags.
	Version   = "dev"
	BuildTime = "unknown"
)

var (
	configDir, stateDir   string
	configFile, stateFile string
)

func init() {
	var id identity
	if err := json.Unmarshal(brandJSON, &id); err != nil {
		panic("brand: bad brand.json: " + err.Error())
	}
	Name, LowerName, EnvPrefix, BinaryName = id.Name, id.LowerName, id.EnvPrefix, id.Binary
	TempRulePrefix, RuleGroup, TableName = id.TempRulePrefix, id.RuleGroup, id.Table
	configDir, stateDir = id.ConfigDir, id.StateDir
	configFile, stateFile = id.ConfigFile, id.StateFile
}

// UserAgent is the User-Agent sent by notification channels.
func UserAgent(version string) string {
	if version == "" {
		version = "dev"
	}
	return Name + "/" + version
}

// dir resolves <PREFIX>_<name>_DIR, then <PREFIX>_PREFIX/<sub>, then def.
func dir(name, sub, def string) string {
	if d := os.Getenv(EnvPrefix + "_" + name + "_DIR"); d != "" {
		return d
	}
	if p := os.Getenv(EnvPrefix + "_PREFIX"); p != "" {
		return filepath.Join(p, sub)
	}
	return def
}

// GetConfigDir returns the configuration directory.
func GetConfigDir() string { return dir("CONFIG", "config", configDir) }

// GetStateDir returns the directory of the registry database.
func GetStateDir() string { return dir("STATE", "state", stateDir) }

// DefaultConfigPath is the configuration file used when -c is not given.
func DefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), configFile)
}

// DefaultStatePath is the registry database used when the config names none.
func DefaultStatePath() string {
	return filepath.Join(GetStateDir(), stateFile)
}
