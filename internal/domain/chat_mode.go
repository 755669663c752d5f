package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ChatModeID identifies a configured chat mode (persona).
type ChatModeID string

// RenderMode is the markup dialect replies of a chat mode are sent with.
type RenderMode string

const (
	RenderPlain    RenderMode = ""
	RenderHTML     RenderMode = "html"
	RenderMarkdown RenderMode = "markdown"
)

// ParseRenderMode maps a configuration string onto a RenderMode.
func ParseRenderMode(s string) (RenderMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "html":
		return RenderHTML, nil
	case "markdown", "md":
		return RenderMarkdown, nil
	case "", "plain", "none":
		return RenderPlain, nil
	default:
		return RenderPlain, fmt.Errorf("unknown render mode %q", s)
	}
}

// ChatMode is one entry of the chat-mode enumeration.
type ChatMode struct {
	ID             ChatModeID
	Name           string
	WelcomeMessage string
	SystemPrompt   string
	RenderMode     RenderMode
}

// ErrUnknownChatMode is returned when a mode id is not part of the catalog.
var ErrUnknownChatMode = errors.New("unknown chat mode")

// ChatModeCatalog is the closed set of chat modes loaded from configuration.
// It is immutable after construction and safe for concurrent use.
type ChatModeCatalog struct {
	order []ChatModeID
	modes map[ChatModeID]ChatMode
	def   ChatModeID
}

// NewChatModeCatalog validates modes and returns a catalog. Ids must be
// non-empty and unique, names non-empty, and def must be one of the ids.
// Declaration order is preserved for listing.
func NewChatModeCatalog(modes []ChatMode, def ChatModeID) (*ChatModeCatalog, error) {
	if len(modes) == 0 {
		return nil, errors.New("chat modes: at least one mode is required")
	}
	c := &ChatModeCatalog{
		order: make([]ChatModeID, 0, len(modes)),
		modes: make(map[ChatModeID]ChatMode, len(modes)),
		def:   def,
	}
	for _, m := range modes {
		id := ChatModeID(strings.TrimSpace(string(m.ID)))
		if id == "" {
			return nil, errors.New("chat modes: empty mode id")
		}
		if strings.Contains(string(id), "|") {
			return nil, fmt.Errorf("chat modes: id %q must not contain '|'", id)
		}
		if _, dup := c.modes[id]; dup {
			return nil, fmt.Errorf("chat modes: duplicate id %q", id)
		}
		if strings.TrimSpace(m.Name) == "" {
			return nil, fmt.Errorf("chat modes: %q has no name", id)
		}
		m.ID = id
		c.order = append(c.order, id)
		c.modes[id] = m
	}
	if _, ok := c.modes[def]; !ok {
		return nil, fmt.Errorf("chat modes: default mode %q: %w", def, ErrUnknownChatMode)
	}
	return c, nil
}

// Get returns the mode for id.
func (c *ChatModeCatalog) Get(id ChatModeID) (ChatMode, bool) {
	m, ok := c.modes[id]
	return m, ok
}

// Resolve returns the mode for id, falling back to the default mode when id
// is not in the catalog (e.g. a mode removed from configuration).
func (c *ChatModeCatalog) Resolve(id ChatModeID) ChatMode {
	if m, ok := c.modes[id]; ok {
		return m
	}
	return c.modes[c.def]
}

// Default returns the id new users start with.
func (c *ChatModeCatalog) Default() ChatModeID { return c.def }

// List returns all modes in declaration order.
func (c *ChatModeCatalog) List() []ChatMode {
	out := make([]ChatMode, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.modes[id])
	}
	return out
}
