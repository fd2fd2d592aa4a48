package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesNsqdOutOfBoxValues(t *testing.T) {
	t.Parallel()

	d := Default()
	require.Equal(t, "0.0.0.0:4150", d.TCPAddr)
	require.Equal(t, "0.0.0.0:4151", d.HTTPAddr)
	require.EqualValues(t, 10000, d.MemQueueSize)
	require.Equal(t, 60*time.Second, d.MsgTimeout)
}

func TestFromFileWithEmptyPathReturnsZeroConfig(t *testing.T) {
	t.Parallel()

	c, err := FromFile("")
	require.NoError(t, err)
	require.Equal(t, Config{}, c)
}

func TestFromFileWithMissingPathReturnsZeroConfig(t *testing.T) {
	t.Parallel()

	c, err := FromFile(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, Config{}, c)
}

func TestFromFileParsesYAML(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "nsqd.yaml")
	yaml := "tcp_addr: 127.0.0.1:5150\nmem_queue_size: 42\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	c, err := FromFile(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:5150", c.TCPAddr)
	require.EqualValues(t, 42, c.MemQueueSize)
}

func TestFromFileRejectsMalformedYAML(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tcp_addr: [unterminated"), 0o644))

	_, err := FromFile(path)
	require.Error(t, err)
}

func TestFromEnvReadsNSQCorePrefixedVars(t *testing.T) {
	t.Setenv("NSQCORE_TCP_ADDR", "127.0.0.1:9150")
	t.Setenv("NSQCORE_MEM_QUEUE_SIZE", "777")

	c, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9150", c.TCPAddr)
	require.EqualValues(t, 777, c.MemQueueSize)
}

func TestLoadLayersDefaultsFileEnvThenCLI(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nsqd.yaml")
	yaml := "tcp_addr: 127.0.0.1:1111\nhttp_addr: 127.0.0.1:2222\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	t.Setenv("NSQCORE_HTTP_ADDR", "127.0.0.1:3333")

	cli := Config{HTTPAddr: "127.0.0.1:4444"}
	cfg, err := Load(path, cli)
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:1111", cfg.TCPAddr, "file overrides default")
	require.Equal(t, "127.0.0.1:4444", cfg.HTTPAddr, "CLI overrides env and file")
	require.EqualValues(t, 10000, cfg.MemQueueSize, "untouched fields keep their default")
}

func TestApplyNonZeroLeavesUnsetFieldsAlone(t *testing.T) {
	t.Parallel()

	base := Default()
	merged := base.applyNonZero(Config{MaxConns: 50})

	require.Equal(t, base.TCPAddr, merged.TCPAddr)
	require.Equal(t, 50, merged.MaxConns)
}

func TestApplyNonZeroOverwritesAuthSecretsOnlyWhenNonEmpty(t *testing.T) {
	t.Parallel()

	base := Config{AuthSecrets: []string{"a", "b"}}
	merged := base.applyNonZero(Config{})
	require.Equal(t, []string{"a", "b"}, merged.AuthSecrets)

	merged = base.applyNonZero(Config{AuthSecrets: []string{"c"}})
	require.Equal(t, []string{"c"}, merged.AuthSecrets)
}
