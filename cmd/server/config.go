package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/MegaGrindStone/shifu-stream/internal/handlers"
	"github.com/MegaGrindStone/shifu-stream/internal/models"
	"github.com/MegaGrindStone/shifu-stream/internal/services"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	generator(systemPrompt string, logger *slog.Logger) (handlers.LessonGenerator, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port         string
	DBPath       string
	LogLevel     slog.Level
	Heartbeat    time.Duration
	SystemPrompt string
	LLM          llmConfig
	Course       models.Course
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string                 `yaml:"apiKey"`
	BaseURL       string                 `yaml:"baseURL"`
	Parameters    services.LLMParameters `yaml:"parameters"`
}

type openRouterConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string                 `yaml:"apiKey"`
	Parameters    services.LLMParameters `yaml:"parameters"`
}

const defaultSystemPrompt = "You are a patient tutor. Teach in short markdown sections and address the learner directly."

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port         string         `yaml:"port"`
		DBPath       string         `yaml:"dbPath"`
		LogLevel     string         `yaml:"logLevel"`
		Heartbeat    time.Duration  `yaml:"heartbeat"`
		SystemPrompt string         `yaml:"systemPrompt"`
		LLM          map[string]any `yaml:"llm"`
		Course       models.Course  `yaml:"course"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	if c.Port == "" {
		c.Port = "8080"
	}
	c.DBPath = rawConfig.DBPath
	c.Heartbeat = rawConfig.Heartbeat
	c.SystemPrompt = rawConfig.SystemPrompt
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}

	if rawConfig.LogLevel != "" {
		if err := c.LogLevel.UnmarshalText([]byte(rawConfig.LogLevel)); err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
	}

	if err := rawConfig.Course.Validate(); err != nil {
		return fmt.Errorf("invalid course: %w", err)
	}
	c.Course = rawConfig.Course

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "ollama":
		llm = &ollamaConfig{}
	case "openai":
		llm = &openAIConfig{}
	case "openrouter":
		llm = &openRouterConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

func (o ollamaConfig) generator(systemPrompt string, logger *slog.Logger) (handlers.LessonGenerator, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = "http://127.0.0.1:11434"
	}
	return services.NewOllama(host, o.Model, systemPrompt, logger)
}

func (o openAIConfig) generator(systemPrompt string, logger *slog.Logger) (handlers.LessonGenerator, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, o.Parameters, logger), nil
}

func (o openRouterConfig) generator(systemPrompt string, logger *slog.Logger) (handlers.LessonGenerator, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	return services.NewOpenAI(apiKey, services.OpenRouterBaseURL, o.Model, systemPrompt, o.Parameters, logger), nil
}
