package completion

import (
	"os"
	"time"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	EngineOpenAI = "openai"
	EngineEcho   = "echo"

	DefaultModel   = "gpt-4o-mini"
	DefaultTimeout = 60 * time.Second
)

type Settings struct {
	Engine          string        `yaml:"engine,omitempty"`
	APIKey          string        `yaml:"api_key,omitempty"`
	BaseURL         string        `yaml:"base_url,omitempty"`
	Model           string        `yaml:"model,omitempty"`
	Timeout         time.Duration `yaml:"timeout,omitempty"`
	Temperature     *float64      `yaml:"temperature,omitempty"`
	MaxTokens       *int          `yaml:"max_tokens,omitempty"`
	SystemDirective string        `yaml:"system_directive,omitempty"`
	FallbackReply   string        `yaml:"fallback_reply,omitempty"`
}

func NewSettings() *Settings {
	return &Settings{
		Engine:          EngineOpenAI,
		Model:           DefaultModel,
		Timeout:         DefaultTimeout,
		SystemDirective: DefaultSystemDirective,
		FallbackReply:   DefaultFallbackReply,
	}
}

// LoadSettings reads a YAML file on top of the defaults.
func LoadSettings(path string) (*Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read completion settings %s", path)
	}
	s := NewSettings()
	if err := yaml.Unmarshal(b, s); err != nil {
		return nil, errors.Wrapf(err, "could not parse completion settings %s", path)
	}
	return s, nil
}

func (s *Settings) Clone() *Settings {
	return clone.Clone(s).(*Settings)
}

// NewClient builds the client named by settings.Engine, wrapped so that
// empty replies become the fallback text.
func NewClient(settings *Settings) (Client, error) {
	if settings == nil {
		settings = NewSettings()
	}
	var (
		client Client
		err    error
	)
	switch settings.Engine {
	case EngineOpenAI, "":
		client, err = NewOpenAIClient(settings)
		if err != nil {
			return nil, err
		}
	case EngineEcho:
		client = NewEchoClient()
	default:
		return nil, errors.Errorf("unknown completion engine %q", settings.Engine)
	}
	return WithFallback(client, settings.FallbackReply), nil
}
