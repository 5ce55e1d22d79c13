package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/medcortex/records-web-ui/internal/handlers"
	"github.com/medcortex/records-web-ui/internal/services"
	"gopkg.in/yaml.v3"
)

const defaultTitlePrompt = "Generate a title of at most six words for a conversation " +
	"that starts with the following message. Reply with the title only."

type titleGenConfig interface {
	titleGen(systemPrompt string, logger *slog.Logger) (handlers.TitleGenerator, error)
}

// BaseTitleGenConfig contains the common fields for all title generator
// configurations.
type BaseTitleGenConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port             string `yaml:"port"`
	BackendURL       string `yaml:"backendURL"`
	APIToken         string `yaml:"apiToken"`
	AccountID        string `yaml:"accountID"`
	DefaultPatientID string `yaml:"defaultPatientID"`
	TitlePrompt      string `yaml:"titlePrompt"`

	TitleGenerator titleGenConfig `yaml:"titleGenerator"`
}

type ollamaConfig struct {
	BaseTitleGenConfig `yaml:",inline"`
	Host               string `yaml:"host"`
}

type openAIConfig struct {
	BaseTitleGenConfig `yaml:",inline"`
	APIKey             string `yaml:"apiKey"`
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port             string         `yaml:"port"`
		BackendURL       string         `yaml:"backendURL"`
		APIToken         string         `yaml:"apiToken"`
		AccountID        string         `yaml:"accountID"`
		DefaultPatientID string         `yaml:"defaultPatientID"`
		TitlePrompt      string         `yaml:"titlePrompt"`
		TitleGenerator   map[string]any `yaml:"titleGenerator"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.BackendURL = rawConfig.BackendURL
	c.APIToken = rawConfig.APIToken
	c.AccountID = rawConfig.AccountID
	c.DefaultPatientID = rawConfig.DefaultPatientID
	c.TitlePrompt = rawConfig.TitlePrompt

	if rawConfig.TitleGenerator == nil {
		return nil
	}

	provider, ok := rawConfig.TitleGenerator["provider"].(string)
	if !ok {
		return fmt.Errorf("titleGenerator provider is required")
	}

	rawYAML, err := yaml.Marshal(rawConfig.TitleGenerator)
	if err != nil {
		return err
	}

	var tg titleGenConfig
	switch provider {
	case "none":
		return nil
	case "ollama":
		tg = &ollamaConfig{}
	case "openai":
		tg = &openAIConfig{}
	default:
		return fmt.Errorf("unknown titleGenerator provider: %s", provider)
	}

	if err := yaml.Unmarshal(rawYAML, tg); err != nil {
		return err
	}

	c.TitleGenerator = tg

	return nil
}

func (c config) titlePrompt() string {
	if c.TitlePrompt == "" {
		return defaultTitlePrompt
	}
	return c.TitlePrompt
}

func (c config) apiToken() string {
	if c.APIToken != "" {
		return c.APIToken
	}
	return os.Getenv("RECORDS_API_TOKEN")
}

func (o ollamaConfig) titleGen(systemPrompt string, _ *slog.Logger) (handlers.TitleGenerator, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	return services.NewOllama(host, o.Model, systemPrompt), nil
}

func (o openAIConfig) titleGen(systemPrompt string, logger *slog.Logger) (handlers.TitleGenerator, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.Model, systemPrompt, logger), nil
}
