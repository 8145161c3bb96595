package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	snapshot := *Config
	defer func() { *Config = snapshot }()

	require.NoError(t, Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	snapshot := *Config
	defer func() { *Config = snapshot }()

	Config.Replication.Partitions = 0
	assert.Error(t, Validate())
	Config.Replication.Partitions = 4

	Config.Replication.BlockCommitRows = 0
	assert.Error(t, Validate())
	Config.Replication.BlockCommitRows = 10

	Config.Replication.ExtractorPolicy = "explode"
	assert.Error(t, Validate())
	Config.Replication.ExtractorPolicy = PolicyStop

	Config.Extractor.Type = "carrier-pigeon"
	assert.Error(t, Validate())
	Config.Extractor.Type = "thl"

	Config.Chunker.Enabled = true
	Config.Chunker.DSN = ""
	assert.Error(t, Validate())
	Config.Chunker.Enabled = false

	Config.Admin.Port = 99999
	assert.Error(t, Validate())
	Config.Admin.Port = 8090

	require.NoError(t, Validate())
}

func TestLoadFromFile(t *testing.T) {
	snapshot := *Config
	defer func() { *Config = snapshot }()

	dir := t.TempDir()
	path := filepath.Join(dir, "replicator.toml")
	content := `
source_id = "test-node"
service = "east"
data_dir = "` + filepath.Join(dir, "data") + `"

[replication]
partitions = 8
block_commit_rows = 25
sync_interval = 100
max_queue_size = 100
max_control_events = 1000
max_critical_sections = 1000
sync_enabled = true
partitioner = "hash"
extractor_failure_policy = "warn"
applier_failure_policy = "stop"

[logging]
format = "json"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	require.NoError(t, Load(path))
	assert.Equal(t, "test-node", Config.SourceID)
	assert.Equal(t, "east", Config.Service)
	assert.Equal(t, 8, Config.Replication.Partitions)
	assert.Equal(t, 25, Config.Replication.BlockCommitRows)
	assert.Equal(t, PolicyWarn, Config.Replication.ExtractorPolicy)
	assert.Equal(t, "json", Config.Logging.Format)
	assert.DirExists(t, Config.DataDir)

	require.NoError(t, Validate())
}
