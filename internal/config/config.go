package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	PolicyStrict     = "strict"
	PolicyPermissive = "permissive"
)

type HTTPConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type PostgresConfig struct {
	DSN              string
	MaxOpen          int
	MaxIdle          int
	ConnMaxLifetime  time.Duration
	StatementTimeout time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type StorageConfig struct {
	Endpoint       string
	AccessKey      string
	SecretKey      string
	BucketPhotos   string
	BucketVariants string
	UseSSL         bool
	Region         string
	PublicBaseURL  string
}

type SecurityConfig struct {
	JWTAccessSecret string
	JWTAccessTTL    time.Duration
}

type ModerationConfig struct {
	Endpoint        string
	APIKey          string
	Timeout         time.Duration
	Policy          string
	ThresholdBlock  float64
	ThresholdReview float64
}

type IntentConfig struct {
	MaxEdge       int
	ThumbnailEdge int
	QuotaBytes    int64
}

type PipelineConfig struct {
	MinUploadBytes int64
	MaxUploadBytes int64
	MinDimension   int
	MaxDimension   int
	MaxFrames      int
	MaxTotalPixels int64
	WebPQuality    int
	UploadTimeout  time.Duration
	PersistTimeout time.Duration
	Intents        map[string]IntentConfig
}

type JobsConfig struct {
	ReconcileSchedule string
	PurgeSchedule     string
	ReconcileGrace    time.Duration
	Retention         time.Duration
	BatchSize         int
}

type WorkerConfig struct {
	Stream        string
	Group         string
	Consumer      string
	Concurrency   int
	ClaimInterval time.Duration
}

type LoggingConfig struct {
	Level string
}

type AppConfig struct {
	Environment      string
	HTTP             HTTPConfig
	Postgres         PostgresConfig
	Redis            RedisConfig
	Storage          StorageConfig
	Security         SecurityConfig
	Moderation       ModerationConfig
	Pipeline         PipelineConfig
	Jobs             JobsConfig
	Worker           WorkerConfig
	Logging          LoggingConfig
	AllowCORSOrigins []string
}

func (c *AppConfig) IsProduction() bool {
	return c.Environment == "production"
}

// UploadBudget is the longest a single upload run can take once its bytes
// are in memory: the moderation call, the blob write and the metadata insert.
func (c *AppConfig) UploadBudget() time.Duration {
	return c.Moderation.Timeout + c.Pipeline.UploadTimeout + c.Pipeline.PersistTimeout
}

func Load() (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")

	v.SetEnvPrefix("CIVICPHOTO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that would weaken the upload pipeline.
func (c *AppConfig) Validate() error {
	switch c.Moderation.Policy {
	case PolicyStrict:
	case PolicyPermissive:
		if c.IsProduction() {
			return errors.New("config: permissive moderation policy is not allowed in production")
		}
	default:
		return fmt.Errorf("config: unknown moderation policy %q", c.Moderation.Policy)
	}

	p := c.Pipeline
	if p.MinUploadBytes <= 0 || p.MaxUploadBytes <= p.MinUploadBytes {
		return fmt.Errorf("config: invalid upload size bounds [%d, %d]", p.MinUploadBytes, p.MaxUploadBytes)
	}
	if p.MinDimension <= 0 || p.MaxDimension < p.MinDimension {
		return fmt.Errorf("config: invalid dimension bounds [%d, %d]", p.MinDimension, p.MaxDimension)
	}
	if p.MaxFrames <= 0 || p.MaxTotalPixels <= 0 {
		return fmt.Errorf("config: frame limits must be positive (frames %d, pixels %d)", p.MaxFrames, p.MaxTotalPixels)
	}
	if p.WebPQuality < 1 || p.WebPQuality > 100 {
		return fmt.Errorf("config: webp quality %d out of range", p.WebPQuality)
	}
	if c.Moderation.Timeout <= 0 || p.UploadTimeout <= 0 || p.PersistTimeout <= 0 {
		return errors.New("config: moderation, upload and persist timeouts must be positive")
	}
	// A marker younger than one full upload may still belong to a live run.
	if c.Jobs.ReconcileGrace <= c.UploadBudget() {
		return fmt.Errorf("config: reconcile grace %s must exceed the %s an upload may take", c.Jobs.ReconcileGrace, c.UploadBudget())
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.readtimeout", "30s")
	v.SetDefault("http.writetimeout", "30s")
	v.SetDefault("http.idletimeout", "60s")

	// AutomaticEnv only reaches keys viper already knows, so keys without a
	// real default still get an empty one.
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.maxopen", 30)
	v.SetDefault("postgres.maxidle", 10)
	v.SetDefault("postgres.connmaxlifetime", "30m")
	v.SetDefault("postgres.statementtimeout", "5s")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.accesskey", "")
	v.SetDefault("storage.secretkey", "")
	v.SetDefault("storage.publicbaseurl", "")
	v.SetDefault("storage.bucketphotos", "civicphoto-photos")
	v.SetDefault("storage.bucketvariants", "civicphoto-variants")
	v.SetDefault("storage.usessl", false)
	v.SetDefault("storage.region", "us-east-1")

	v.SetDefault("security.jwtaccesssecret", "")
	v.SetDefault("security.jwtaccessttl", "15m")

	v.SetDefault("moderation.endpoint", "")
	v.SetDefault("moderation.apikey", "")
	v.SetDefault("moderation.timeout", "8s")
	v.SetDefault("moderation.policy", PolicyStrict)
	v.SetDefault("moderation.thresholdblock", 0.85)
	v.SetDefault("moderation.thresholdreview", 0.6)

	v.SetDefault("pipeline.minuploadbytes", 100)
	v.SetDefault("pipeline.maxuploadbytes", 5*1024*1024)
	v.SetDefault("pipeline.mindimension", 10)
	v.SetDefault("pipeline.maxdimension", 8000)
	v.SetDefault("pipeline.maxframes", 500)
	v.SetDefault("pipeline.maxtotalpixels", 64_000_000)
	v.SetDefault("pipeline.webpquality", 85)
	v.SetDefault("pipeline.uploadtimeout", "20s")
	v.SetDefault("pipeline.persisttimeout", "5s")

	v.SetDefault("pipeline.intents.avatar.maxedge", 1024)
	v.SetDefault("pipeline.intents.avatar.thumbnailedge", 128)
	v.SetDefault("pipeline.intents.avatar.quotabytes", 0)
	v.SetDefault("pipeline.intents.post.maxedge", 2048)
	v.SetDefault("pipeline.intents.post.thumbnailedge", 320)
	v.SetDefault("pipeline.intents.post.quotabytes", 500*1024*1024)
	v.SetDefault("pipeline.intents.gallery.maxedge", 4096)
	v.SetDefault("pipeline.intents.gallery.thumbnailedge", 480)
	v.SetDefault("pipeline.intents.gallery.quotabytes", 1024*1024*1024)
	v.SetDefault("pipeline.intents.banner.maxedge", 3000)
	v.SetDefault("pipeline.intents.banner.thumbnailedge", 600)
	v.SetDefault("pipeline.intents.banner.quotabytes", 0)

	v.SetDefault("jobs.reconcileschedule", "0 15 * * * *")
	v.SetDefault("jobs.purgeschedule", "0 30 3 * * *")
	v.SetDefault("jobs.reconcilegrace", "30m")
	v.SetDefault("jobs.retention", "720h") // 30 days
	v.SetDefault("jobs.batchsize", 100)

	v.SetDefault("worker.stream", "photos:tasks")
	v.SetDefault("worker.group", "photo-workers")
	v.SetDefault("worker.consumer", "worker-1")
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.claiminterval", "30s")

	v.SetDefault("logging.level", "")
	v.SetDefault("allowcorsorigins", []string{})
}
