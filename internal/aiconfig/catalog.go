package aiconfig

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	ProviderGemini       = "gemini"
	ProviderOpenAICompat = "openai_compat"

	EndpointChatCompletions = "chat_completions"
	EndpointResponses       = "responses"

	DefaultModelKey = "gemini-2.5-flash-latest"
)

type Capabilities struct {
	Modalities    []string `yaml:"modalities"`
	ReasoningMode bool     `yaml:"reasoning_mode"`
	Multimodal    bool     `yaml:"multimodal"`
}

// ModelProfile is an immutable catalog entry.
type ModelProfile struct {
	Key             string            `yaml:"key"`
	Name            string            `yaml:"name"`
	Vendor          string            `yaml:"vendor"`
	Provider        string            `yaml:"provider"`
	BaseURL         string            `yaml:"base_url"`
	Endpoint        string            `yaml:"endpoint"`
	Headers         map[string]string `yaml:"headers"`
	Type            string            `yaml:"type"`
	Description     string            `yaml:"description"`
	MaxInputTokens  int               `yaml:"max_input_tokens"`
	MaxOutputTokens int               `yaml:"max_output_tokens"`
	RPM             int               `yaml:"rpm"`
	Temperature     float64           `yaml:"temperature"`
	TopP            float64           `yaml:"top_p"`
	TopK            int               `yaml:"top_k"`
	Capabilities    Capabilities      `yaml:"capabilities"`
	Status          string            `yaml:"status"`
}

// Catalog is an ordered set of profiles addressed by key.
type Catalog struct {
	profiles []ModelProfile
	index    map[string]int
}

func NewCatalog(profiles []ModelProfile) Catalog {
	c := Catalog{index: map[string]int{}}
	for _, p := range profiles {
		c.put(p)
	}
	return c
}

func (c *Catalog) put(p ModelProfile) {
	if i, ok := c.index[p.Key]; ok {
		c.profiles[i] = p
		return
	}
	c.index[p.Key] = len(c.profiles)
	c.profiles = append(c.profiles, p)
}

func (c Catalog) Lookup(key string) (ModelProfile, bool) {
	i, ok := c.index[key]
	if !ok {
		return ModelProfile{}, false
	}
	return c.profiles[i], true
}

func (c Catalog) Profiles() []ModelProfile {
	out := make([]ModelProfile, len(c.profiles))
	copy(out, c.profiles)
	return out
}

func (c Catalog) Len() int { return len(c.profiles) }

func DefaultCatalog() Catalog {
	return NewCatalog([]ModelProfile{
		{
			Key:             "gemini-2.5-pro",
			Name:            "Gemini 2.5 Pro",
			Vendor:          "Google DeepMind",
			Provider:        ProviderGemini,
			Type:            "advanced_reasoning",
			Description:     "Professional-grade model with complex reasoning, multimodal analysis and a large context window.",
			MaxInputTokens:  1_000_000,
			MaxOutputTokens: 65_536,
			RPM:             60,
			Temperature:     0.7,
			TopP:            0.8,
			TopK:            64,
			Capabilities: Capabilities{
				Modalities:    []string{"text", "image", "audio", "video"},
				ReasoningMode: true,
				Multimodal:    true,
			},
			Status: "stable",
		},
		{
			Key:             "gemini-2.5-flash-latest",
			Name:            "Gemini 2.5 Flash",
			Vendor:          "Google DeepMind",
			Provider:        ProviderGemini,
			Type:            "balanced_speed_quality",
			Description:     "Balanced high-speed model with reasonable quality for production workloads.",
			MaxInputTokens:  1_048_576,
			MaxOutputTokens: 65_536,
			RPM:             120,
			Temperature:     0.65,
			TopP:            0.8,
			TopK:            48,
			Capabilities: Capabilities{
				Modalities: []string{"text", "image", "audio", "video"},
				Multimodal: true,
			},
			Status: "stable",
		},
		{
			Key:             "gemini-2.5-flash-lite-latest",
			Name:            "Gemini 2.5 Flash Lite",
			Vendor:          "Google DeepMind",
			Provider:        ProviderGemini,
			Type:            "low_cost_high_throughput",
			Description:     "Low-cost, high-throughput model for light or high-volume tasks.",
			MaxInputTokens:  1_048_576,
			MaxOutputTokens: 65_536,
			RPM:             200,
			Temperature:     0.6,
			TopP:            0.85,
			TopK:            32,
			Capabilities: Capabilities{
				Modalities: []string{"text", "image", "audio", "video", "pdf"},
				Multimodal: true,
			},
			Status: "stable",
		},
	})
}

type catalogFile struct {
	Models []ModelProfile `yaml:"models"`
}

// LoadCatalogFile merges the profiles listed in a YAML file over base.
// Entries with an existing key replace the built-in profile.
func LoadCatalogFile(path string, base Catalog) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return ParseCatalog(data, base)
}

func ParseCatalog(data []byte, base Catalog) (Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Catalog{}, fmt.Errorf("catalog: parse: %w", err)
	}
	out := NewCatalog(base.Profiles())
	for i, p := range f.Models {
		p.applyDefaults()
		if err := p.validate(); err != nil {
			return Catalog{}, fmt.Errorf("catalog: models[%d]: %w", i, err)
		}
		out.put(p)
	}
	return out, nil
}

func (p *ModelProfile) applyDefaults() {
	p.Key = strings.TrimSpace(p.Key)
	if p.Name == "" {
		p.Name = p.Key
	}
	if p.Provider == "" {
		p.Provider = ProviderGemini
	}
	if p.RPM <= 0 {
		p.RPM = 10
	}
	if p.TopK <= 0 {
		p.TopK = 40
	}
	if p.Status == "" {
		p.Status = "custom"
	}
}

func (p ModelProfile) validate() error {
	if p.Key == "" {
		return fmt.Errorf("key is required")
	}
	if p.MaxInputTokens <= 0 || p.MaxOutputTokens <= 0 {
		return fmt.Errorf("model %q: token limits must be > 0", p.Key)
	}
	switch p.Endpoint {
	case "", EndpointChatCompletions, EndpointResponses:
	default:
		return fmt.Errorf("model %q: unknown endpoint %q", p.Key, p.Endpoint)
	}
	if p.Endpoint != "" && p.Provider == ProviderGemini {
		return fmt.Errorf("model %q: endpoint is only supported by %s", p.Key, ProviderOpenAICompat)
	}
	if p.Temperature < 0 || p.Temperature > 1 || p.TopP < 0 || p.TopP > 1 {
		return fmt.Errorf("model %q: temperature and top_p must be within [0,1]", p.Key)
	}
	if p.TopK < 1 || p.TopK > 128 {
		return fmt.Errorf("model %q: top_k must be within [1,128]", p.Key)
	}
	switch p.Provider {
	case ProviderGemini, ProviderOpenAICompat:
	default:
		return fmt.Errorf("model %q: unsupported provider %q", p.Key, p.Provider)
	}
	return nil
}
