package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigDir(t *testing.T, main, nodes, servers string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.yaml"), []byte(main), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nodes.yaml"), []byte(nodes), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "servers.yaml"), []byte(servers), 0o644))
	return dir
}

const validMain = "guild_id: 12345\nautoupdate: true\n"
const validServers = "alpha:\n  afk_time: 300\n"

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := writeConfigDir(t, validMain, `
node-1:
  listen_port: 10042
  database:
    url: postgres://localhost/dcsfleet
`, validServers)

	tree, err := Load(dir, "node-1")
	require.NoError(t, err)

	assert.Equal(t, int64(12345), tree.Main.GuildID)
	assert.Equal(t, 30, tree.Node.Heartbeat, "heartbeat must default to 30s when unset")
	assert.Equal(t, 3, tree.Node.MaxHungMinutes, "max_hung_minutes must default to 3")
	assert.Equal(t, "0.0.0.0", tree.Node.ListenAddress, "listen_address must default to 0.0.0.0")
	assert.Equal(t, "node-1", tree.NodeName)
}

func TestLoad_PreservesExplicitValues(t *testing.T) {
	dir := writeConfigDir(t, validMain, `
node-1:
  listen_port: 10042
  listen_address: 10.0.0.5
  heartbeat: 15
  max_hung_minutes: 7
  database:
    url: postgres://localhost/dcsfleet
`, validServers)

	tree, err := Load(dir, "node-1")
	require.NoError(t, err)
	assert.Equal(t, 15, tree.Node.Heartbeat)
	assert.Equal(t, 7, tree.Node.MaxHungMinutes)
	assert.Equal(t, "10.0.0.5", tree.Node.ListenAddress)
}

func TestLoad_MissingGuildIDErrors(t *testing.T) {
	dir := writeConfigDir(t, "autoupdate: true\n", `
node-1:
  listen_port: 10042
  database:
    url: postgres://localhost/dcsfleet
`, validServers)

	_, err := Load(dir, "node-1")
	assert.Error(t, err)
}

func TestLoad_UnknownNodeNameErrors(t *testing.T) {
	dir := writeConfigDir(t, validMain, `
node-1:
  listen_port: 10042
  database:
    url: postgres://localhost/dcsfleet
`, validServers)

	_, err := Load(dir, "node-ghost")
	assert.Error(t, err)
}

func TestLoad_MissingDatabaseURLErrors(t *testing.T) {
	dir := writeConfigDir(t, validMain, `
node-1:
  listen_port: 10042
`, validServers)

	_, err := Load(dir, "node-1")
	assert.Error(t, err)
}

func TestLoad_MissingListenPortErrors(t *testing.T) {
	dir := writeConfigDir(t, validMain, `
node-1:
  database:
    url: postgres://localhost/dcsfleet
`, validServers)

	_, err := Load(dir, "node-1")
	assert.Error(t, err)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir, "node-1")
	assert.Error(t, err)
}

func TestHeartbeatInterval(t *testing.T) {
	tree := &Tree{Node: NodeCfg{Heartbeat: 20}}
	assert.Equal(t, 20*time.Second, tree.HeartbeatInterval())
}

func TestTimeout_DoublesUnderSlowSystem(t *testing.T) {
	fast := &Tree{Node: NodeCfg{SlowSystem: false}}
	slow := &Tree{Node: NodeCfg{SlowSystem: true}}

	assert.Equal(t, 30*time.Second, fast.Timeout(30*time.Second))
	assert.Equal(t, 60*time.Second, slow.Timeout(30*time.Second))
}

func TestMaxHungDuration_DoublesWhileLoading(t *testing.T) {
	tree := &Tree{Node: NodeCfg{MaxHungMinutes: 3}}
	assert.Equal(t, 3*time.Minute, tree.MaxHungDuration(false))
	assert.Equal(t, 6*time.Minute, tree.MaxHungDuration(true))
}
