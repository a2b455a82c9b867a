package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oplogsync/oplog"
)

const validYAML = `
router_uri: mongodb://mongos:27017
shards:
  - uri: mongodb://a1:27018,a2:27018/?replicaSet=shard01
  - name: shard02
    uri: mongodb://b1:27018/?replicaSet=shard02
namespaces: [shop.orders, shop.users]
checkpoint:
  backend: badger
  path: /var/lib/oplogsync
sink:
  type: redis
  redis_addr: localhost:6379
  ttl: 1h
resolve_interval: 500ms
max_attempts: 8
delete_policy: ignore
log:
  level: debug
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, "mongodb://mongos:27017", cfg.RouterURI)
	require.Len(t, cfg.Shards, 2)
	assert.Equal(t, "shard02", cfg.Shards[1].Name)
	assert.Equal(t, []string{"shop.orders", "shop.users"}, cfg.Namespaces)
	assert.Equal(t, BackendBadger, cfg.Checkpoint.Backend)
	assert.Equal(t, time.Hour, cfg.Sink.TTL)
	assert.Equal(t, "debug", cfg.Log.Level)

	opts := cfg.Options()
	assert.Equal(t, 500*time.Millisecond, opts.ResolveInterval)
	assert.Equal(t, 8, opts.MaxAttempts)
	assert.Equal(t, oplog.DeleteIgnore, opts.DeletePolicy)

	// Unset keys keep their defaults
	defaults := oplog.DefaultOptions()
	assert.Equal(t, defaults.CycleDelay, opts.CycleDelay)
	assert.Equal(t, defaults.ScanBatchSize, opts.ScanBatchSize)
	assert.True(t, opts.SkipInternalOrigin)
	assert.Equal(t, time.Second, cfg.MaxAwait)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		is   error
	}{
		{
			name: "router is required",
			yaml: "shards: [{uri: mongodb://a:1}]\ncheckpoint: {path: x}",
			is:   oplog.ErrUnsupportedTopology,
		},
		{
			name: "shards are required",
			yaml: "router_uri: mongodb://r:1\ncheckpoint: {path: x}",
			is:   oplog.ErrConfigMissing,
		},
		{
			name: "file backend needs a path",
			yaml: "router_uri: mongodb://r:1\nshards: [{uri: mongodb://a:1}]",
			is:   oplog.ErrConfigMissing,
		},
		{
			name: "mongo sink needs a database",
			yaml: "router_uri: mongodb://r:1\nshards: [{uri: mongodb://a:1}]\ncheckpoint: {path: x}\nsink: {type: mongo, uri: mongodb://t:1}",
			is:   oplog.ErrConfigMissing,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, tt.is)
		})
	}

	for name, doc := range map[string]string{
		"unknown key":       validYAML + "bogus: 1\n",
		"invalid option":    validYAML + "scan_batch_size: 0\n",
		"unknown sink type": "router_uri: r\nshards: [{uri: u}]\ncheckpoint: {path: x}\nsink: {type: kafka}",
		"bad duration":      "router_uri: r\nshards: [{uri: u}]\ncheckpoint: {path: x}\ncycle_delay: soon",
	} {
		_, err := Parse([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oplogsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Shards, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
