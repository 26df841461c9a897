package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperengineering/distil/internal/corpus"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Training TrainingConfig `yaml:"training"`
	Teacher  EncoderConfig  `yaml:"teacher"`
	Student  EncoderConfig  `yaml:"student"`
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
	Publish  PublishConfig  `yaml:"publish"`
}

// TrainingConfig holds every run-level constant of a distillation run.
type TrainingConfig struct {
	Preset             string      `yaml:"preset"`
	Delimiter          string      `yaml:"delimiter"`
	TrainBatchSize     int         `yaml:"train_batch_size"`
	InferenceBatchSize int         `yaml:"inference_batch_size"`
	MaxSentences       SentenceCap `yaml:"max_sentences"`
	MaxSentenceLength  int         `yaml:"max_sentence_length"`
	Epochs             int         `yaml:"epochs"`
	WarmupSteps        int         `yaml:"warmup_steps"`
	EvaluationSteps    int         `yaml:"evaluation_steps"`
	EvaluationLines    int         `yaml:"evaluation_lines"`
	OutputPath         string      `yaml:"output_path"`
	LearningRate       float64     `yaml:"learning_rate"`
	Epsilon            float64     `yaml:"epsilon"`
	WeightDecay        float64     `yaml:"weight_decay"`
	MaxGradNorm        float64     `yaml:"max_grad_norm"`
	SaveBestModel      bool        `yaml:"save_best_model"`
	FinalSave          bool        `yaml:"final_save"`
	UseEmbeddingCache  bool        `yaml:"use_embedding_cache"`
	AllowProjection    bool        `yaml:"allow_projection"`
	Seed               int64       `yaml:"seed"`
}

// EncoderConfig selects and parameterises an embedding backend.
type EncoderConfig struct {
	Provider     string `yaml:"provider"` // hugot, openai, ollama
	Model        string `yaml:"model"`
	ModelsDir    string `yaml:"models_dir"`
	BaseURL      string `yaml:"base_url"`
	APIKey       string `yaml:"-"` // env-only, never in YAML
	MaxSeqLength int    `yaml:"max_seq_length"`
	Dimensions   int    `yaml:"dimensions"` // openai only; 0 = model default
	Normalize    bool   `yaml:"normalize"`
}

// DatabaseConfig contains run-history database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig contains status API settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// AuthConfig contains status API authentication settings.
// An empty key leaves the API open.
type AuthConfig struct {
	APIKey string `yaml:"-"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PublishConfig contains S3-compatible checkpoint storage settings.
// An empty Bucket disables publishing.
type PublishConfig struct {
	Bucket    string   `yaml:"bucket"`
	Endpoint  string   `yaml:"endpoint"`
	Region    string   `yaml:"region"`
	UseSSL    *bool    `yaml:"use_ssl"`
	URLExpiry Duration `yaml:"url_expiry"`
	AccessKey string   `yaml:"-"`
	SecretKey string   `yaml:"-"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// SentenceCap is a training pair cap that also accepts the "Full_data"
// sentinel in YAML. Zero means no cap.
type SentenceCap int

// UnmarshalYAML implements yaml.Unmarshaler for SentenceCap.
func (c *SentenceCap) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	n, err := corpus.ParseSentenceCap(s)
	if err != nil {
		return err
	}
	*c = SentenceCap(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler for SentenceCap.
func (c SentenceCap) MarshalYAML() (interface{}, error) {
	if c == 0 {
		return corpus.FullData, nil
	}
	return int(c), nil
}

// Load loads configuration with precedence: defaults → preset → YAML file → env vars.
// The preset comes from DISTIL_PRESET or the YAML training.preset key.
func Load() (*Config, error) {
	return LoadWithPreset("")
}

// LoadWithPreset is Load with an explicit preset that wins over any preset
// named in the YAML file or environment. An empty preset defers to them.
func LoadWithPreset(preset string) (*Config, error) {
	configPath := getEnv("DISTIL_CONFIG_PATH", "config/distil.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Missing file is OK; use defaults
		data = nil
	}

	return build(data, preset)
}

// LoadFromFile loads configuration from a specific path.
// The preset comes from DISTIL_PRESET or the file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return build(data, "")
}

// LoadFileWithPreset is LoadWithPreset for an explicit path, which must exist.
func LoadFileWithPreset(path, preset string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return build(data, preset)
}

func build(data []byte, preset string) (*Config, error) {
	if preset == "" {
		preset = os.Getenv("DISTIL_PRESET")
	}
	if preset == "" && len(data) > 0 {
		var probe struct {
			Training struct {
				Preset string `yaml:"preset"`
			} `yaml:"training"`
		}
		if err := yaml.Unmarshal(data, &probe); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
		preset = probe.Training.Preset
	}
	if preset == "" {
		preset = PresetTSV
	}

	cfg, err := newDefaults(preset)
	if err != nil {
		return nil, err
	}

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
		// The YAML file cannot silently switch presets under an explicit one.
		cfg.Training.Preset = preset
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values for the given preset.
func newDefaults(preset string) (*Config, error) {
	training, err := Preset(preset)
	if err != nil {
		return nil, err
	}
	return &Config{
		Training: training,
		Teacher: EncoderConfig{
			Provider:  "hugot",
			Model:     DefaultTeacherModel,
			ModelsDir: "models",
			BaseURL:   "http://localhost:11434",
		},
		Student: EncoderConfig{
			Provider:     "hugot",
			Model:        DefaultStudentModel,
			ModelsDir:    "models",
			BaseURL:      "http://localhost:11434",
			MaxSeqLength: 128,
		},
		Database: DatabaseConfig{
			Path: "data/distil.db",
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Publish: PublishConfig{
			URLExpiry: Duration(15 * time.Minute),
		},
	}, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) error {
	// Training
	if v := os.Getenv("DISTIL_OUTPUT_PATH"); v != "" {
		cfg.Training.OutputPath = v
	}
	if v := os.Getenv("DISTIL_MAX_SENTENCES"); v != "" {
		n, err := corpus.ParseSentenceCap(v)
		if err != nil {
			return fmt.Errorf("DISTIL_MAX_SENTENCES: %w", err)
		}
		cfg.Training.MaxSentences = SentenceCap(n)
	}
	if v := os.Getenv("DISTIL_EPOCHS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Training.Epochs = n
		}
	}
	if v := os.Getenv("DISTIL_TRAIN_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Training.TrainBatchSize = n
		}
	}
	if v := os.Getenv("DISTIL_SEED"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Training.Seed = n
		}
	}
	if v := os.Getenv("DISTIL_ALLOW_PROJECTION"); v != "" {
		cfg.Training.AllowProjection = v == "true" || v == "1"
	}

	// Encoders
	if v := os.Getenv("DISTIL_TEACHER_PROVIDER"); v != "" {
		cfg.Teacher.Provider = v
	}
	if v := os.Getenv("DISTIL_TEACHER_MODEL"); v != "" {
		cfg.Teacher.Model = v
	}
	if v := os.Getenv("DISTIL_STUDENT_PROVIDER"); v != "" {
		cfg.Student.Provider = v
	}
	if v := os.Getenv("DISTIL_STUDENT_MODEL"); v != "" {
		cfg.Student.Model = v
	}
	if v := os.Getenv("DISTIL_MODELS_DIR"); v != "" {
		cfg.Teacher.ModelsDir = v
		cfg.Student.ModelsDir = v
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		cfg.Teacher.BaseURL = v
		cfg.Student.BaseURL = v
	}
	// OPENAI_API_KEY is industry convention
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Teacher.APIKey = v
		cfg.Student.APIKey = v
	}

	// Database
	if v := os.Getenv("DISTIL_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Server
	if v := os.Getenv("DISTIL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DISTIL_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Log
	if v := os.Getenv("DISTIL_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DISTIL_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	// Publish
	if v := os.Getenv("DISTIL_S3_BUCKET"); v != "" {
		cfg.Publish.Bucket = v
	}
	if v := os.Getenv("DISTIL_S3_ENDPOINT"); v != "" {
		cfg.Publish.Endpoint = v
	}
	if v := os.Getenv("DISTIL_S3_REGION"); v != "" {
		cfg.Publish.Region = v
	}
	if v := os.Getenv("DISTIL_S3_ACCESS_KEY"); v != "" {
		cfg.Publish.AccessKey = v
	}
	if v := os.Getenv("DISTIL_S3_SECRET_KEY"); v != "" {
		cfg.Publish.SecretKey = v
	}
	if v := os.Getenv("DISTIL_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.Publish.UseSSL = &useSSL
	}

	return nil
}

var knownProviders = map[string]bool{
	"hugot":  true,
	"openai": true,
	"ollama": true,
}

// Validate checks that the configuration describes a runnable distillation.
// CLI flag overrides are applied after Load, so callers re-validate.
func (c *Config) Validate() error {
	var errs []error

	t := c.Training
	if t.Delimiter == "" {
		errs = append(errs, errors.New("training.delimiter must not be empty"))
	}
	if t.TrainBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("training.train_batch_size must be positive, got %d", t.TrainBatchSize))
	}
	if t.InferenceBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("training.inference_batch_size must be positive, got %d", t.InferenceBatchSize))
	}
	if t.MaxSentences < 0 {
		errs = append(errs, fmt.Errorf("training.max_sentences must not be negative, got %d", t.MaxSentences))
	}
	if t.MaxSentenceLength < 0 {
		errs = append(errs, fmt.Errorf("training.max_sentence_length must not be negative, got %d", t.MaxSentenceLength))
	}
	if t.Epochs <= 0 {
		errs = append(errs, fmt.Errorf("training.epochs must be positive, got %d", t.Epochs))
	}
	if t.WarmupSteps < 0 {
		errs = append(errs, fmt.Errorf("training.warmup_steps must not be negative, got %d", t.WarmupSteps))
	}
	if t.EvaluationSteps < 0 {
		errs = append(errs, fmt.Errorf("training.evaluation_steps must not be negative, got %d", t.EvaluationSteps))
	}
	if t.EvaluationLines <= 0 {
		errs = append(errs, fmt.Errorf("training.evaluation_lines must be positive, got %d", t.EvaluationLines))
	}
	if t.OutputPath == "" {
		errs = append(errs, errors.New("training.output_path must not be empty"))
	}
	if t.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("training.learning_rate must be positive, got %g", t.LearningRate))
	}

	encoders := []struct {
		name string
		cfg  EncoderConfig
	}{{"teacher", c.Teacher}, {"student", c.Student}}
	for _, e := range encoders {
		name, enc := e.name, e.cfg
		if !knownProviders[enc.Provider] {
			errs = append(errs, fmt.Errorf("%s.provider %q is not one of hugot, openai, ollama", name, enc.Provider))
		}
		if enc.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model must not be empty", name))
		}
		if enc.Provider == "openai" && enc.APIKey == "" {
			errs = append(errs, fmt.Errorf("OPENAI_API_KEY is required for %s provider openai", name))
		}
	}

	return errors.Join(errs...)
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
