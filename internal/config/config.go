package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Auth      AuthConfig
	Zitadel   ZitadelConfig
	RateLimit RateLimitConfig
	R2        R2Config
	Groq      GroqConfig
	Speech    SpeechConfig
	Storage   StorageConfig
	Client    ClientConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

// AuthConfig toggles bearer-token authentication on the /api routes.
// The demo UI runs unauthenticated, so it is off by default.
type AuthConfig struct {
	Enabled bool
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type RateLimitConfig struct {
	TTSPerMin int
	STTPerMin int
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type GroqConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// SpeechConfig describes how the service reaches the speech engines and how
// long recordings are split up.
type SpeechConfig struct {
	Backend            string // "local" runs the scripts below, "groq" uses the hosted API
	WorkDir            string
	TTSCommand         []string
	STTCommand         []string
	FFmpegPath         string
	FFprobePath        string
	DefaultModel       string
	SegmentSeconds     int
	StreamingThreshold int // seconds
	SegmentRetries     int
	SegmentTimeout     time.Duration
	ProcessingRatio    int // minutes of processing per minute of audio
}

type StorageConfig struct {
	AudioOutputDir string
	TestTextDir    string
	SampleAudioDir string
}

// ClientConfig is read by dsmctl.
type ClientConfig struct {
	BaseURL                string
	Token                  string
	PollInterval           time.Duration
	MaxConsecutiveFailures int
	RequestTimeout         time.Duration
}

// IsConfigured reports whether hosted transcription can be used.
func (c GroqConfig) IsConfigured() bool {
	return c.APIKey != ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8888")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("ratelimit.tts_per_min", 30)
	v.SetDefault("ratelimit.stt_per_min", 30)

	// Groq defaults
	v.SetDefault("groq.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("groq.model", "whisper-large-v3")

	// Speech engine defaults
	v.SetDefault("speech.backend", "local")
	v.SetDefault("speech.work_dir", ".")
	v.SetDefault("speech.tts_command", []string{"uv", "run", "../../scripts/tts_pytorch.py"})
	v.SetDefault("speech.stt_command", []string{"uv", "run", "../../scripts/stt_from_file_pytorch.py"})
	v.SetDefault("speech.ffmpeg_path", "ffmpeg")
	v.SetDefault("speech.ffprobe_path", "ffprobe")
	v.SetDefault("speech.default_model", "kyutai/stt-2.6b-en")
	v.SetDefault("speech.segment_seconds", 300)
	v.SetDefault("speech.streaming_threshold", 300)
	v.SetDefault("speech.segment_retries", 2)
	v.SetDefault("speech.segment_timeout", 5*time.Minute)
	v.SetDefault("speech.processing_ratio", 3)

	// Storage defaults
	v.SetDefault("storage.audio_output_dir", "generated_audio")
	v.SetDefault("storage.test_text_dir", "../text_test")
	v.SetDefault("storage.sample_audio_dir", "../..")

	// Client defaults
	v.SetDefault("client.base_url", "http://localhost:8888")
	v.SetDefault("client.token", "")
	v.SetDefault("client.poll_interval", time.Second)
	v.SetDefault("client.max_consecutive_failures", 5)
	v.SetDefault("client.request_timeout", 30*time.Second)
}

func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("auth.enabled", "AUTH_ENABLED")
	_ = v.BindEnv("zitadel.domain", "ZITADEL_DOMAIN")
	_ = v.BindEnv("zitadel.client_id", "ZITADEL_CLIENT_ID")
	_ = v.BindEnv("zitadel.issuer", "ZITADEL_ISSUER")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("groq.api_key", "GROQ_API_KEY")
	_ = v.BindEnv("groq.base_url", "GROQ_BASE_URL")
	_ = v.BindEnv("groq.model", "GROQ_MODEL")
	_ = v.BindEnv("speech.backend", "SPEECH_BACKEND")
	_ = v.BindEnv("speech.work_dir", "SPEECH_WORK_DIR")
	_ = v.BindEnv("speech.default_model", "STT_MODEL")
	_ = v.BindEnv("storage.audio_output_dir", "AUDIO_OUTPUT_DIR")
	_ = v.BindEnv("client.base_url", "DSM_BASE_URL")
	_ = v.BindEnv("client.token", "DSM_TOKEN")
}

// Load reads configuration from config.yaml (optional) and the environment.
func Load() (*Config, error) {
	return LoadWith(viper.GetViper())
}

// LoadWith is Load against a caller-owned viper instance, so command-line
// flags bound to it take precedence.
func LoadWith(v *viper.Viper) (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("GROQ_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("ZITADEL_CLIENT_ID")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables
	v.AutomaticEnv()
	bindEnv(v)
	setDefaults(v)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	return fromViper(v), nil
}

// Watch re-reads the config file whenever it changes on disk and hands the
// result to onChange. It does nothing when no config file was found.
func Watch(v *viper.Viper, onChange func(*Config)) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		log.Printf("[config] %s changed, reloading", e.Name)
		onChange(fromViper(v))
	})
	v.WatchConfig()
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Server: ServerConfig{
			Port:     v.GetString("server.port"),
			Env:      v.GetString("server.env"),
			LogLevel: v.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		Auth: AuthConfig{
			Enabled: v.GetBool("auth.enabled"),
		},
		Zitadel: ZitadelConfig{
			Domain:   v.GetString("zitadel.domain"),
			ClientID: v.GetString("zitadel.client_id"),
			Issuer:   v.GetString("zitadel.issuer"),
		},
		RateLimit: RateLimitConfig{
			TTSPerMin: v.GetInt("ratelimit.tts_per_min"),
			STTPerMin: v.GetInt("ratelimit.stt_per_min"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
		Groq: GroqConfig{
			APIKey:  v.GetString("groq.api_key"),
			BaseURL: v.GetString("groq.base_url"),
			Model:   v.GetString("groq.model"),
		},
		Speech: SpeechConfig{
			Backend:            v.GetString("speech.backend"),
			WorkDir:            v.GetString("speech.work_dir"),
			TTSCommand:         v.GetStringSlice("speech.tts_command"),
			STTCommand:         v.GetStringSlice("speech.stt_command"),
			FFmpegPath:         v.GetString("speech.ffmpeg_path"),
			FFprobePath:        v.GetString("speech.ffprobe_path"),
			DefaultModel:       v.GetString("speech.default_model"),
			SegmentSeconds:     v.GetInt("speech.segment_seconds"),
			StreamingThreshold: v.GetInt("speech.streaming_threshold"),
			SegmentRetries:     v.GetInt("speech.segment_retries"),
			SegmentTimeout:     v.GetDuration("speech.segment_timeout"),
			ProcessingRatio:    v.GetInt("speech.processing_ratio"),
		},
		Storage: StorageConfig{
			AudioOutputDir: v.GetString("storage.audio_output_dir"),
			TestTextDir:    v.GetString("storage.test_text_dir"),
			SampleAudioDir: v.GetString("storage.sample_audio_dir"),
		},
		Client: ClientConfig{
			BaseURL:                v.GetString("client.base_url"),
			Token:                  v.GetString("client.token"),
			PollInterval:           v.GetDuration("client.poll_interval"),
			MaxConsecutiveFailures: v.GetInt("client.max_consecutive_failures"),
			RequestTimeout:         v.GetDuration("client.request_timeout"),
		},
	}
}
