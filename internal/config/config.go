// Package config loads whisperrec settings from YAML, .env files and
// WHISPERREC_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/tiroq/whisperrec/internal/pipeline"
	"github.com/tiroq/whisperrec/internal/transcript"
)

// Backend names accepted in asr.backend and asr.fallback_backend.
const (
	BackendLocalWhisper  = "local_whisper"
	BackendRemoteWhisper = "remote_whisper_api"
	BackendGoogleSTT     = "google_stt"
)

// Diarizer names accepted in diarization.backend.
const (
	DiarizerPyannote  = "pyannote"
	DiarizerGoogleSTT = "google_stt"
)

// DefaultConfigPath is read when the user has no config file yet.
const DefaultConfigPath = "configs/default-config.yaml"

// Config is the complete whisperrec configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json

	ASR         ASRConfig         `yaml:"asr"`
	Diarization DiarizationConfig `yaml:"diarization"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Watch       WatchConfig       `yaml:"watch"`
	Server      ServerConfig      `yaml:"server"`
}

// ASRConfig selects and configures transcription backends.
type ASRConfig struct {
	Backend         string `yaml:"backend"`
	FallbackBackend string `yaml:"fallback_backend,omitempty"`
	Language        string `yaml:"language,omitempty"` // "" = auto-detect
	Model           string `yaml:"model,omitempty"`

	LocalWhisper  LocalWhisperConfig  `yaml:"local_whisper"`
	RemoteWhisper RemoteWhisperConfig `yaml:"remote_whisper"`
	GoogleSTT     GoogleSTTConfig     `yaml:"google_stt"`
}

type LocalWhisperConfig struct {
	Binary         string `yaml:"binary"`
	ModelPath      string `yaml:"model_path,omitempty"`
	Model          string `yaml:"model,omitempty"`
	Threads        int    `yaml:"threads,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
}

type RemoteWhisperConfig struct {
	BaseURL        string `yaml:"base_url,omitempty"`
	Token          string `yaml:"token,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
	Retries        int    `yaml:"retries,omitempty"`
	Model          string `yaml:"model,omitempty"`
}

type GoogleSTTConfig struct {
	CredentialsFile string `yaml:"credentials_file,omitempty"`
	APIKey          string `yaml:"api_key,omitempty"`
	LanguageCode    string `yaml:"language_code,omitempty"`
	Model           string `yaml:"model,omitempty"`
}

// DiarizationConfig configures speaker diarization.
type DiarizationConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Backend        string `yaml:"backend"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Python         string `yaml:"python,omitempty"`
	Script         string `yaml:"script,omitempty"`
	Model          string `yaml:"model,omitempty"`
	MinSpeakers    int    `yaml:"min_speakers,omitempty"`
	MaxSpeakers    int    `yaml:"max_speakers,omitempty"`
	HFToken        string `yaml:"hf_token,omitempty"`
}

// PipelineConfig controls how recordings become transcripts.
type PipelineConfig struct {
	SegmentMode   string   `yaml:"segment_mode"`
	MaxSegments   int      `yaml:"max_segments,omitempty"`
	OutputFormats []string `yaml:"output_formats"`
	OutputDir     string   `yaml:"output_dir,omitempty"`
	TempDir       string   `yaml:"temp_dir,omitempty"`
	FFmpeg        string   `yaml:"ffmpeg,omitempty"`
	WriteMetadata bool     `yaml:"write_metadata"`
}

// WatchConfig configures the inbox daemon.
type WatchConfig struct {
	Inbox        string `yaml:"inbox"`
	ProcessedDir string `yaml:"processed_dir,omitempty"`
	FailedDir    string `yaml:"failed_dir,omitempty"`
	PollSeconds  int    `yaml:"poll_seconds"`
	SettleMillis int    `yaml:"settle_millis"`
}

// ServerConfig configures the local status server. An empty Addr disables it.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home := os.Getenv("HOME")
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		ASR: ASRConfig{
			Backend: BackendLocalWhisper,
			LocalWhisper: LocalWhisperConfig{
				Binary:         "whisper-cli",
				Model:          "small",
				TimeoutSeconds: 300,
			},
			RemoteWhisper: RemoteWhisperConfig{TimeoutSeconds: 120, Retries: 3},
		},
		Diarization: DiarizationConfig{
			Enabled:        true,
			Backend:        DiarizerPyannote,
			TimeoutSeconds: 60,
			Python:         "python3",
			Script:         "scripts/speaker_diarization.py",
		},
		Pipeline: PipelineConfig{
			SegmentMode:   string(pipeline.ModeAuto),
			MaxSegments:   pipeline.DefaultMaxSegments,
			OutputFormats: []string{transcript.OutputHuman, transcript.OutputLLM},
			FFmpeg:        "ffmpeg",
			WriteMetadata: true,
		},
		Watch: WatchConfig{
			Inbox:        filepath.Join(home, "Recordings", "whisperrec-inbox"),
			ProcessedDir: filepath.Join(home, "Recordings", "whisperrec-inbox", "processed"),
			FailedDir:    filepath.Join(home, "Recordings", "whisperrec-inbox", "failed"),
			PollSeconds:  5,
			SettleMillis: 500,
		},
		Server: ServerConfig{Addr: "127.0.0.1:7788"},
	}
}

// UserPath returns ~/.config/whisperrec/config.yaml.
func UserPath() string {
	return filepath.Join(os.Getenv("HOME"), ".config", "whisperrec", "config.yaml")
}

// Load reads the configuration. An empty path tries the user config, then
// DefaultConfigPath, then the built-in defaults. Environment overrides are
// applied on top and the result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := readFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		for _, p := range []string{UserPath(), DefaultConfigPath} {
			err := readFile(p, cfg)
			if err == nil {
				break
			}
			if !os.IsNotExist(err) {
				return nil, err
			}
		}
	}

	LoadDotEnv()
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// LoadDotEnv loads .env from the working directory and ~/.whisperrec.env
// when present. Variables already set in the environment win.
func LoadDotEnv() {
	for _, p := range []string{".env", filepath.Join(os.Getenv("HOME"), ".whisperrec.env")} {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

// ApplyEnv overrides fields from WHISPERREC_* variables. Secrets are usually
// supplied this way rather than in the YAML file.
func (c *Config) ApplyEnv() {
	setString(&c.LogLevel, "WHISPERREC_LOG_LEVEL")
	setString(&c.LogFormat, "WHISPERREC_LOG_FORMAT")
	setString(&c.ASR.Backend, "WHISPERREC_ASR_BACKEND")
	setString(&c.ASR.FallbackBackend, "WHISPERREC_ASR_FALLBACK")
	setString(&c.ASR.Language, "WHISPERREC_LANGUAGE")
	setString(&c.ASR.LocalWhisper.Binary, "WHISPERREC_WHISPER_BINARY")
	setString(&c.ASR.LocalWhisper.ModelPath, "WHISPERREC_WHISPER_MODEL_PATH")
	setString(&c.ASR.RemoteWhisper.BaseURL, "WHISPERREC_REMOTE_URL")
	setString(&c.ASR.RemoteWhisper.Token, "WHISPERREC_REMOTE_TOKEN")
	setString(&c.ASR.GoogleSTT.CredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS")
	setString(&c.ASR.GoogleSTT.CredentialsFile, "WHISPERREC_GOOGLE_CREDENTIALS")
	setString(&c.ASR.GoogleSTT.APIKey, "WHISPERREC_GOOGLE_API_KEY")
	setString(&c.Diarization.HFToken, "HUGGINGFACE_TOKEN")
	setString(&c.Diarization.HFToken, "WHISPERREC_HF_TOKEN")
	setString(&c.Diarization.Script, "WHISPERREC_DIARIZATION_SCRIPT")
	setInt(&c.Diarization.TimeoutSeconds, "WHISPERREC_DIARIZATION_TIMEOUT")
	setString(&c.Pipeline.SegmentMode, "WHISPERREC_SEGMENT_MODE")
	setString(&c.Pipeline.OutputDir, "WHISPERREC_OUTPUT_DIR")
	setString(&c.Watch.Inbox, "WHISPERREC_INBOX")
	setString(&c.Server.Addr, "WHISPERREC_SERVER_ADDR")

	if v, ok := os.LookupEnv("WHISPERREC_DIARIZATION"); ok {
		c.Diarization.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("WHISPERREC_OUTPUT_FORMATS"); v != "" {
		c.Pipeline.OutputFormats = splitList(v)
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func knownBackend(name string) bool {
	switch name {
	case BackendLocalWhisper, BackendRemoteWhisper, BackendGoogleSTT:
		return true
	}
	return false
}

// applyDefaults fills optional fields left empty by a partial config file.
func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Pipeline.SegmentMode == "" {
		c.Pipeline.SegmentMode = string(pipeline.ModeAuto)
	}
	if c.Pipeline.MaxSegments <= 0 {
		c.Pipeline.MaxSegments = pipeline.DefaultMaxSegments
	}
	if c.Watch.PollSeconds <= 0 {
		c.Watch.PollSeconds = 5
	}
}

// Validate checks the configuration, filling defaults for optional fields.
func (c *Config) Validate() error {
	c.applyDefaults()

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}

	if !knownBackend(c.ASR.Backend) {
		return fmt.Errorf("asr.backend %q is not one of %s, %s, %s",
			c.ASR.Backend, BackendLocalWhisper, BackendRemoteWhisper, BackendGoogleSTT)
	}
	if c.ASR.FallbackBackend != "" {
		if !knownBackend(c.ASR.FallbackBackend) {
			return fmt.Errorf("asr.fallback_backend %q is not a known backend", c.ASR.FallbackBackend)
		}
		if c.ASR.FallbackBackend == c.ASR.Backend {
			return fmt.Errorf("asr.fallback_backend must differ from asr.backend (%s)", c.ASR.Backend)
		}
	}
	for _, b := range []string{c.ASR.Backend, c.ASR.FallbackBackend} {
		if b == BackendRemoteWhisper && c.ASR.RemoteWhisper.BaseURL == "" {
			return fmt.Errorf("asr.remote_whisper.base_url is required for %s", BackendRemoteWhisper)
		}
	}

	if c.Diarization.Enabled {
		if c.Diarization.Backend != DiarizerPyannote && c.Diarization.Backend != DiarizerGoogleSTT {
			return fmt.Errorf("diarization.backend must be %s or %s, got %q",
				DiarizerPyannote, DiarizerGoogleSTT, c.Diarization.Backend)
		}
		if c.Diarization.TimeoutSeconds < 1 || c.Diarization.TimeoutSeconds > 300 {
			return fmt.Errorf("diarization.timeout_seconds must be between 1 and 300, got %d", c.Diarization.TimeoutSeconds)
		}
		if c.Diarization.MaxSpeakers > 0 && c.Diarization.MinSpeakers > c.Diarization.MaxSpeakers {
			return fmt.Errorf("diarization.min_speakers (%d) must be <= max_speakers (%d)",
				c.Diarization.MinSpeakers, c.Diarization.MaxSpeakers)
		}
	}

	if _, err := pipeline.ParseMode(c.Pipeline.SegmentMode); err != nil {
		return fmt.Errorf("pipeline.segment_mode: %w", err)
	}
	if len(c.Pipeline.OutputFormats) == 0 {
		return fmt.Errorf("pipeline.output_formats must list at least one format")
	}
	for _, f := range c.Pipeline.OutputFormats {
		if !transcript.KnownFormat(f) {
			return fmt.Errorf("pipeline.output_formats: unknown format %q", f)
		}
	}
	return nil
}

// Save validates cfg and writes it to path as YAML, atomically.
func Save(path string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "config-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	// Tokens may live in the file.
	if err := os.Chmod(tmpPath, 0600); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
