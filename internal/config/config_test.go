package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const replicaYAML = `
node:
  peer_id: laptop
  actor_id: alice
storage:
  driver: sqlite3
  dsn: /var/lib/feedsync/replica.db
sync:
  authority_url: ws://authority:8080/sync
  interval: 2s
  batch_size: 100
  partitions:
    - space_id: team
      feed_namespace: docs
retention:
  policies:
    - space_id: team
      feed_namespace: docs
      max_blocks: 1000
archive:
  kind: dir
  dir: /var/lib/feedsync/archive
logging:
  level: debug
  format: json
`

func TestParse_Replica(t *testing.T) {
	cfg, err := Parse([]byte(replicaYAML))
	require.NoError(t, err)

	assert.Equal(t, "laptop", cfg.Node.PeerID)
	assert.Equal(t, "alice", cfg.Node.ActorID)
	assert.False(t, cfg.Node.Authority)
	assert.Equal(t, 2*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 100, cfg.Sync.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Sync.RequestTimeout, "default")
	assert.Equal(t, "authority", cfg.Sync.AuthorityPeerID, "default")
	assert.Equal(t, []PartitionConfig{{SpaceID: "team", FeedNamespace: "docs"}}, cfg.Sync.Partitions)
	assert.Equal(t, int64(1000), cfg.Retention.Policies[0].MaxBlocks)
	assert.Equal(t, time.Minute, cfg.Retention.Interval)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.SyncEnabled())
}

func TestParse_EmptyUsesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, "sqlite3", cfg.Storage.Driver)
	assert.Equal(t, "feedsync.db", cfg.Storage.DSN)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, "none", cfg.Archive.Kind)
	assert.Equal(t, cfg.Node.PeerID, cfg.Node.ActorID)
	assert.NotEmpty(t, cfg.Node.PeerID)
	assert.False(t, cfg.SyncEnabled())
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv(EnvDatabaseDSN, "postgres://feedsync@db/feedsync?sslmode=disable")
	t.Setenv(EnvMinioAccessKey, "AKIA")
	t.Setenv(EnvMinioSecretKey, "secret")

	cfg, err := Parse([]byte(`
storage:
  driver: postgres
archive:
  kind: minio
  endpoint: minio:9000
  bucket: feeds
`))
	require.NoError(t, err)
	assert.Equal(t, "postgres://feedsync@db/feedsync?sslmode=disable", cfg.Storage.DSN)
	assert.Equal(t, "AKIA", cfg.Archive.AccessKey)
	assert.Equal(t, "secret", cfg.Archive.SecretKey)
}

func TestValidate_CollectsErrors(t *testing.T) {
	_, err := Parse([]byte(`
node:
  authority: true
storage:
  driver: mysql
sync:
  authority_url: ws://elsewhere/sync
  partitions:
    - space_id: team
retention:
  policies:
    - space_id: team
      max_blocks: 0
archive:
  kind: s3
logging:
  format: xml
`))
	require.Error(t, err)

	for _, want := range []string{
		"storage.driver",
		"sync.partitions[0]",
		"authority node",
		"max_blocks",
		"archive.kind",
		"logging.format",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_PostgresNeedsDSN(t *testing.T) {
	_, err := Parse([]byte("storage:\n  driver: postgres\n"))
	assert.ErrorContains(t, err, "storage.dsn")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(replicaYAML), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "laptop", cfg.Node.PeerID)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 500, cfg.Sync.BatchSize)
}
