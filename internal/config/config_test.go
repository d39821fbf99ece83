package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper(overrides map[string]any) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	for k, val := range overrides {
		v.Set(k, val)
	}
	return v
}

func TestDecodeDefaults(t *testing.T) {
	cfg, err := decode(newViper(nil))
	require.NoError(t, err)

	assert.Equal(t, PolicyStrict, cfg.Moderation.Policy)
	assert.Equal(t, 8*time.Second, cfg.Moderation.Timeout)
	assert.Equal(t, int64(5*1024*1024), cfg.Pipeline.MaxUploadBytes)
	assert.Equal(t, int64(100), cfg.Pipeline.MinUploadBytes)
	assert.Equal(t, 8000, cfg.Pipeline.MaxDimension)
	assert.Equal(t, 85, cfg.Pipeline.WebPQuality)

	require.Contains(t, cfg.Pipeline.Intents, "avatar")
	assert.Equal(t, 1024, cfg.Pipeline.Intents["avatar"].MaxEdge)
	assert.Equal(t, int64(500*1024*1024), cfg.Pipeline.Intents["post"].QuotaBytes)
	assert.Equal(t, 720*time.Hour, cfg.Jobs.Retention)
	assert.Equal(t, 500, cfg.Pipeline.MaxFrames)
	assert.Equal(t, int64(64_000_000), cfg.Pipeline.MaxTotalPixels)
	assert.Equal(t, 33*time.Second, cfg.UploadBudget())
}

func TestLoadFromEnvironmentOnly(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	t.Setenv("CIVICPHOTO_POSTGRES_DSN", "postgres://u:p@db:5432/photos")
	t.Setenv("CIVICPHOTO_REDIS_PASSWORD", "redis-secret")
	t.Setenv("CIVICPHOTO_STORAGE_ENDPOINT", "minio:9000")
	t.Setenv("CIVICPHOTO_STORAGE_ACCESSKEY", "access")
	t.Setenv("CIVICPHOTO_STORAGE_SECRETKEY", "secret")
	t.Setenv("CIVICPHOTO_STORAGE_PUBLICBASEURL", "https://cdn.example.org")
	t.Setenv("CIVICPHOTO_SECURITY_JWTACCESSSECRET", "jwt-secret")
	t.Setenv("CIVICPHOTO_MODERATION_ENDPOINT", "http://classifier:8000")
	t.Setenv("CIVICPHOTO_MODERATION_APIKEY", "classifier-key")
	t.Setenv("CIVICPHOTO_PIPELINE_MAXFRAMES", "40")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db:5432/photos", cfg.Postgres.DSN)
	assert.Equal(t, "redis-secret", cfg.Redis.Password)
	assert.Equal(t, "minio:9000", cfg.Storage.Endpoint)
	assert.Equal(t, "access", cfg.Storage.AccessKey)
	assert.Equal(t, "secret", cfg.Storage.SecretKey)
	assert.Equal(t, "https://cdn.example.org", cfg.Storage.PublicBaseURL)
	assert.Equal(t, "jwt-secret", cfg.Security.JWTAccessSecret)
	assert.Equal(t, "http://classifier:8000", cfg.Moderation.Endpoint)
	assert.Equal(t, "classifier-key", cfg.Moderation.APIKey)
	assert.Equal(t, 40, cfg.Pipeline.MaxFrames)
}

func TestPermissivePolicyRejectedInProduction(t *testing.T) {
	_, err := decode(newViper(map[string]any{
		"environment":       "production",
		"moderation.policy": PolicyPermissive,
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permissive")
}

func TestPermissivePolicyAllowedInDevelopment(t *testing.T) {
	cfg, err := decode(newViper(map[string]any{
		"moderation.policy": PolicyPermissive,
	}))
	require.NoError(t, err)
	assert.Equal(t, PolicyPermissive, cfg.Moderation.Policy)
}

func TestValidateRejectsBadBounds(t *testing.T) {
	cases := map[string]map[string]any{
		"unknown policy":  {"moderation.policy": "yolo"},
		"inverted sizes":  {"pipeline.minuploadbytes": 10, "pipeline.maxuploadbytes": 5},
		"zero dimension":  {"pipeline.mindimension": 0},
		"quality too big": {"pipeline.webpquality": 101},
		"no timeout":      {"moderation.timeout": "0s"},
		"short grace":     {"jobs.reconcilegrace": "5s"},
		"no frames":       {"pipeline.maxframes": 0},
		"no upload bound": {"pipeline.uploadtimeout": "0s"},
		"grace too short": {"jobs.reconcilegrace": "40s", "pipeline.uploadtimeout": "30s"},
	}
	for name, overrides := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decode(newViper(overrides))
			assert.Error(t, err)
		})
	}
}
