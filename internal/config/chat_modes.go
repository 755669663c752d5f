package config

import (
	_ "embed"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tbourn/gpt-subscription-bot/internal/domain"
)

//go:embed chat_modes.yml
var defaultChatModes []byte

// chatModeFile is the YAML layout of the chat-mode catalog. Entries keep the
// order they are declared in, which is the order /mode lists them.
type chatModeFile struct {
	Modes []struct {
		ID             string `yaml:"id"`
		Name           string `yaml:"name"`
		WelcomeMessage string `yaml:"welcome_message"`
		Prompt         string `yaml:"prompt_start"`
		ParseMode      string `yaml:"parse_mode"`
	} `yaml:"chat_modes"`
}

// LoadChatModes reads the chat-mode catalog from path, or from the embedded
// default when path is empty, and validates it against def.
func LoadChatModes(path string, def domain.ChatModeID) (*domain.ChatModeCatalog, error) {
	raw := defaultChatModes
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, wrapf(err, "CHAT_MODES_PATH %q", path)
		}
		raw = b
	}
	return ParseChatModes(raw, def)
}

// ParseChatModes decodes a YAML catalog. Unknown keys are rejected so a typo
// in a field name does not silently drop a prompt.
func ParseChatModes(raw []byte, def domain.ChatModeID) (*domain.ChatModeCatalog, error) {
	var f chatModeFile
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, wrapf(err, "chat modes: decode")
	}

	modes := make([]domain.ChatMode, 0, len(f.Modes))
	for _, m := range f.Modes {
		rm, err := domain.ParseRenderMode(m.ParseMode)
		if err != nil {
			return nil, wrapf(err, "chat modes: %q", m.ID)
		}
		modes = append(modes, domain.ChatMode{
			ID:             domain.ChatModeID(m.ID),
			Name:           m.Name,
			WelcomeMessage: strings.TrimSpace(m.WelcomeMessage),
			SystemPrompt:   strings.TrimSpace(m.Prompt),
			RenderMode:     rm,
		})
	}
	return domain.NewChatModeCatalog(modes, def)
}
