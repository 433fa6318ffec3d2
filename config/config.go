// Package config loads the console configuration from a YAML file. Flags in
// main override individual fields after loading.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"goama/llm"
	"goama/session"
)

// Free-form answer providers.
const (
	ProviderRobot  = "robot"
	ProviderOpenAI = "openai"
)

type Config struct {
	BackendURL string `yaml:"backend_url"`
	ListenAddr string `yaml:"listen_addr"`

	Language  string `yaml:"language"`
	Mode      string `yaml:"mode"`
	AutoVoice bool   `yaml:"auto_voice"`
	Voice     string `yaml:"voice"`

	ClipFormat string `yaml:"clip_format"`
	Device     string `yaml:"device"`

	LogPath   string `yaml:"log_path"`
	StorePath string `yaml:"store_path"`

	// FreeFormProvider selects who answers free-form questions: the robot
	// backend or a direct OpenAI-compatible endpoint.
	FreeFormProvider string     `yaml:"freeform_provider"`
	LLM              llm.Config `yaml:"llm"`
}

func Default() Config {
	return Config{
		BackendURL:       "http://localhost:8000",
		ListenAddr:       "localhost:7542",
		Language:         "fr",
		Mode:             string(session.ModeRetrieval),
		AutoVoice:        true,
		Voice:            session.DefaultVoice,
		ClipFormat:       "wav",
		FreeFormProvider: ProviderRobot,
	}
}

// Load reads path over the defaults. A missing file is not an error; the
// defaults are returned untouched.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("backend_url is required")
	}
	if !session.ValidLanguage(c.Language) {
		return fmt.Errorf("unknown language %q", c.Language)
	}
	if !session.ValidMode(session.Mode(c.Mode)) {
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.ClipFormat != "wav" && c.ClipFormat != "flac" {
		return fmt.Errorf("unknown clip format %q", c.ClipFormat)
	}
	switch c.FreeFormProvider {
	case ProviderRobot:
	case ProviderOpenAI:
		if c.LLM.APIKey == "" || c.LLM.Model == "" {
			return fmt.Errorf("freeform_provider %q needs llm.api_key and llm.model", c.FreeFormProvider)
		}
	default:
		return fmt.Errorf("unknown freeform_provider %q", c.FreeFormProvider)
	}
	return nil
}

// Session returns the conversation part of the configuration.
func (c Config) Session() session.Config {
	return session.Config{
		Language:  c.Language,
		Mode:      session.Mode(c.Mode),
		AutoVoice: c.AutoVoice,
		Voice:     c.Voice,
	}
}
