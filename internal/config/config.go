// Package config loads the control plane's YAML configuration tree:
// config/main.yaml, config/nodes.yaml, config/servers.yaml (§6).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Main is config/main.yaml.
type Main struct {
	GuildID    int64      `yaml:"guild_id"`
	AutoUpdate bool       `yaml:"autoupdate"`
	Logging    LoggingCfg `yaml:"logging"`
}

// LoggingCfg controls zerolog output.
type LoggingCfg struct {
	LogLevel         string `yaml:"loglevel"`
	LogRotateSize    int    `yaml:"logrotate_size"`
	LogRotateCount   int    `yaml:"logrotate_count"`
}

// Nodes is config/nodes.yaml: one entry per node name, this process reads
// only its own entry (keyed by hostname unless NODE_NAME overrides it).
type Nodes map[string]*NodeCfg

// NodeCfg is a single node's local configuration.
type NodeCfg struct {
	ListenPort      int                  `yaml:"listen_port"`
	ListenAddress   string               `yaml:"listen_address"`
	PublicIP        string               `yaml:"public_ip"`
	DCS             DCSCfg               `yaml:"DCS"`
	Database        DatabaseCfg          `yaml:"database"`
	Heartbeat       int                  `yaml:"heartbeat"` // seconds, default 30
	PreferredMaster bool                 `yaml:"preferred_master"`
	SlowSystem      bool                 `yaml:"slow_system"`
	Instances       map[string]Instance  `yaml:"instances"`
	Filter          map[string]string    `yaml:"filter"`
	PingAdminOnCrash bool                `yaml:"ping_admin_on_crash"`
	MaxHungMinutes  int                  `yaml:"max_hung_minutes"`
}

// DCSCfg describes the local DCS installation.
type DCSCfg struct {
	Installation string `yaml:"installation"`
	AutoUpdate   bool   `yaml:"autoupdate"`
	Cloud        bool   `yaml:"cloud"`
	Desanitize   bool   `yaml:"desanitize"`
}

// DatabaseCfg is a relational store DSN.
type DatabaseCfg struct {
	URL string `yaml:"url"`
}

// Instance is one on-disk configuration directory tied to a host.
type Instance struct {
	Home       string                 `yaml:"home"`
	BotPort    int                    `yaml:"bot_port"`
	Extensions map[string]interface{} `yaml:"extensions"`
}

// Servers is config/servers.yaml: one entry per host name.
type Servers map[string]*ServerCfg

// ServerCfg is a single host's operator-facing configuration.
type ServerCfg struct {
	Channels    map[string]int64 `yaml:"channels"`
	AfkTime     int              `yaml:"afk_time"`
	Autoscan    bool             `yaml:"autoscan"`
	Coalitions  bool             `yaml:"coalitions"`
	MessageBan  string           `yaml:"message_ban"`
	Schedule    map[string]string `yaml:"schedule"`
	Warn        WarnCfg          `yaml:"warn"`
	Restart     []RestartRule    `yaml:"restart"`
}

// WarnCfg is the populated-host warning ladder configuration (§4.F, §4.I).
type WarnCfg struct {
	Times []int  `yaml:"times"`
	Text  string `yaml:"text"`
}

// RestartRule is one entry of servers.yaml's restart: list (§4.I).
type RestartRule struct {
	Method         string   `yaml:"method"` // restart | restart_with_shutdown | rotate
	MissionTime    int      `yaml:"mission_time"`
	LocalTimes     []string `yaml:"local_times"`
	Populated      *bool    `yaml:"populated"`
	MissionEnd     bool     `yaml:"mission_end"`
	MaxMissionTime int      `yaml:"max_mission_time"`
}

// Tree is the full loaded configuration for this process.
type Tree struct {
	Main    Main
	Node    NodeCfg
	Servers Servers
	NodeName string
}

// Load reads config/main.yaml, config/nodes.yaml, and config/servers.yaml
// from dir, selecting nodeName's entry out of nodes.yaml. A malformed YAML
// file or a missing required field is a fatal config error (§7): the
// caller is expected to exit -2.
func Load(dir, nodeName string) (*Tree, error) {
	var main Main
	if err := loadYAML(filepath.Join(dir, "main.yaml"), &main); err != nil {
		return nil, fmt.Errorf("loading main.yaml: %w", err)
	}
	if main.GuildID == 0 {
		return nil, fmt.Errorf("main.yaml: guild_id is required")
	}

	var nodes Nodes
	if err := loadYAML(filepath.Join(dir, "nodes.yaml"), &nodes); err != nil {
		return nil, fmt.Errorf("loading nodes.yaml: %w", err)
	}
	nodeCfg, ok := nodes[nodeName]
	if !ok {
		return nil, fmt.Errorf("nodes.yaml: no entry for node %q", nodeName)
	}
	if nodeCfg.Database.URL == "" {
		return nil, fmt.Errorf("nodes.yaml: node %q: database.url is required", nodeName)
	}
	if nodeCfg.ListenPort == 0 {
		return nil, fmt.Errorf("nodes.yaml: node %q: listen_port is required", nodeName)
	}
	if nodeCfg.Heartbeat == 0 {
		nodeCfg.Heartbeat = 30
	}
	if nodeCfg.MaxHungMinutes == 0 {
		nodeCfg.MaxHungMinutes = 3
	}
	if nodeCfg.ListenAddress == "" {
		nodeCfg.ListenAddress = "0.0.0.0"
	}

	var servers Servers
	if err := loadYAML(filepath.Join(dir, "servers.yaml"), &servers); err != nil {
		return nil, fmt.Errorf("loading servers.yaml: %w", err)
	}

	return &Tree{Main: main, Node: *nodeCfg, Servers: servers, NodeName: nodeName}, nil
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// HeartbeatInterval returns the node's configured heartbeat period; unlike
// Timeout it is not doubled under slow_system.
func (t *Tree) HeartbeatInterval() time.Duration {
	return time.Duration(t.Node.Heartbeat) * time.Second
}

// Timeout doubles base when the node is flagged slow_system (§5).
func (t *Tree) Timeout(base time.Duration) time.Duration {
	if t.Node.SlowSystem {
		return base * 2
	}
	return base
}

// MaxHungDuration returns the hung-host threshold, doubled while the host
// is LOADING per §7.
func (t *Tree) MaxHungDuration(loading bool) time.Duration {
	d := time.Duration(t.Node.MaxHungMinutes) * time.Minute
	if loading {
		d *= 2
	}
	return d
}
