package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const strongSecret = "0123456789abcdef0123456789abcdef01"

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, DefaultVectorDim, cfg.VectorDim)
	assert.Equal(t, DefaultMaxChunkTokens, cfg.MaxChunkTokens)
	assert.Equal(t, DefaultChunkOverlapTokens, cfg.ChunkOverlapTokens)
	assert.Equal(t, DefaultRRFK, cfg.RRFK)
	assert.InDelta(t, DefaultBM25K1, cfg.BM25K1, 1e-9)
	assert.InDelta(t, DefaultBM25B, cfg.BM25B, 1e-9)
	assert.Equal(t, DefaultQueueName, cfg.QueueName)
	assert.Equal(t, DefaultCollection, cfg.QdrantCollection)
	assert.Equal(t, DefaultHTTPPort, cfg.HTTPPort)
	assert.Empty(t, cfg.APISecret, "defaults never include secrets")
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webfuse.yaml")
	yaml := strings.Join([]string{
		"api_secret: " + strongSecret,
		"webhook_secret: " + strongSecret,
		"qdrant_collection: from_file",
		"vector_dim: 384",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	t.Setenv("QDRANT_COLLECTION", "from_env")
	t.Setenv("RRF_K", "30")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from_env", cfg.QdrantCollection, "env wins over file")
	assert.Equal(t, 384, cfg.VectorDim, "file wins over default")
	assert.Equal(t, 30, cfg.RRFK)
}

func TestEnvCORSOriginsParsing(t *testing.T) {
	t.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com ,")

	cfg := Default()
	applyEnv(&cfg)

	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSOrigins)
}

func TestEnvInvalidIntKeepsDefault(t *testing.T) {
	t.Setenv("VECTOR_DIM", "not-a-number")

	cfg := Default()
	applyEnv(&cfg)

	assert.Equal(t, DefaultVectorDim, cfg.VectorDim)
}

func TestValidateSecrets(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		wantErr string
	}{
		{"strong", strongSecret, ""},
		{"too short", "short", "at least 32 characters"},
		{"empty", "", "at least 32 characters"},
		{"weak placeholder", "Please-Change-This-Secret-Value!", "known weak default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.APISecret = tt.secret
			cfg.WebhookSecret = strongSecret

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestTestModeSkipsSecretChecks(t *testing.T) {
	cfg := Default()
	cfg.TestMode = true

	assert.NoError(t, cfg.Validate())
}

func TestValidateBounds(t *testing.T) {
	base := func() Config {
		cfg := Default()
		cfg.TestMode = true
		return cfg
	}

	cfg := base()
	cfg.VectorDim = 0
	assert.ErrorContains(t, cfg.Validate(), "VECTOR_DIM")

	cfg = base()
	cfg.ChunkOverlapTokens = cfg.MaxChunkTokens
	assert.ErrorContains(t, cfg.Validate(), "CHUNK_OVERLAP_TOKENS")

	cfg = base()
	cfg.RRFK = -1
	assert.ErrorContains(t, cfg.Validate(), "RRF_K")

	cfg = base()
	cfg.BM25B = 1.5
	assert.ErrorContains(t, cfg.Validate(), "BM25")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}
