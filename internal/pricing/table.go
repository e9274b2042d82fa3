// Package pricing resolves per-model chat token pricing and per-image unit
// pricing from configuration and applies the deployment's markup multiplier.
// All monetary values are integer cents; every rounding step is a ceiling so
// fractional-cent truncation can never under-charge.
package pricing

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
)

const DefaultChatModel = "gpt-5-mini"

type ChatEntry struct {
	Key         string   `json:"key"`
	Aliases     []string `json:"aliases,omitempty"`
	InputCents  int64    `json:"inputCents"`
	OutputCents int64    `json:"outputCents"`
}

type ImageEntry struct {
	Key       string `json:"key"`
	UnitCents int64  `json:"unitCents"`
	Default   bool   `json:"default,omitempty"`
}

type tableFile struct {
	ChatPricing  []ChatEntry  `json:"chatPricing"`
	ImagePricing []ImageEntry `json:"imagePricing"`
}

type ChatTier struct {
	InputCents  int64
	OutputCents int64
}

type chatRecord struct {
	Key  string
	Tier ChatTier
}

// Table is the resolved pricing configuration, loaded once at startup.
type Table struct {
	chat        map[string]chatRecord
	defaultChat chatRecord

	imageKey       string
	imageUnitCents int64
}

// LoadTable reads and validates a pricing configuration file.
func LoadTable(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing config: %w", err)
	}

	var file tableFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse pricing config: %w", err)
	}
	return NewTable(file.ChatPricing, file.ImagePricing)
}

// NewTable builds a Table from explicit entries.
func NewTable(chat []ChatEntry, image []ImageEntry) (*Table, error) {
	if len(chat) == 0 {
		return nil, fmt.Errorf("chat pricing configuration is missing")
	}
	if len(image) == 0 {
		return nil, fmt.Errorf("image pricing configuration is missing")
	}

	table := &Table{chat: map[string]chatRecord{}}

	for _, entry := range chat {
		aliases := dedupeStrings(append([]string{entry.Key}, entry.Aliases...))
		if len(aliases) == 0 {
			return nil, fmt.Errorf("chat pricing entry requires at least one alias")
		}

		canonical := NormalizeModelKey(aliases[0])
		if canonical == "" {
			continue
		}
		record := chatRecord{
			Key:  canonical,
			Tier: ChatTier{InputCents: entry.InputCents, OutputCents: entry.OutputCents},
		}
		for _, alias := range aliases {
			if normalized := NormalizeModelKey(alias); normalized != "" {
				table.chat[normalized] = record
			}
		}
	}

	defaultRecord, ok := table.chat[NormalizeModelKey(DefaultChatModel)]
	if !ok {
		return nil, fmt.Errorf("default chat pricing configuration is missing")
	}
	table.defaultChat = defaultRecord

	target := image[0]
	for _, entry := range image {
		if entry.Default {
			target = entry
			break
		}
	}
	key := strings.TrimSpace(target.Key)
	if key == "" {
		return nil, fmt.Errorf("image pricing entry requires key")
	}
	table.imageKey = key
	if target.UnitCents > 0 {
		table.imageUnitCents = target.UnitCents
	}

	return table, nil
}

// ResolveChat finds the pricing record for a model identifier. The key is
// normalized, looked up directly, then shortened by stripping trailing
// hyphen-segments (gpt-5-mini-2024 -> gpt-5-mini -> gpt-5) until a match.
// Unknown models fall back to the default chat model's pricing, so dated or
// versioned identifiers never need exhaustive alias enumeration.
func (t *Table) ResolveChat(model string) (string, ChatTier) {
	candidate := NormalizeModelKey(model)
	for candidate != "" {
		if record, ok := t.chat[candidate]; ok {
			return record.Key, record.Tier
		}
		idx := strings.LastIndex(candidate, "-")
		if idx <= 0 {
			break
		}
		candidate = candidate[:idx]
	}
	return t.defaultChat.Key, t.defaultChat.Tier
}

// ImagePricing returns the single configured image tier (the entry marked
// default, or the first).
func (t *Table) ImagePricing() (string, int64) {
	return t.imageKey, t.imageUnitCents
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeModelKey lowercases, collapses non-alphanumeric runs to hyphens
// and trims leading/trailing hyphens.
func NormalizeModelKey(value string) string {
	key := nonAlnum.ReplaceAllString(strings.ToLower(value), "-")
	return strings.Trim(key, "-")
}

func dedupeStrings(values []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" || seen[trimmed] {
			continue
		}
		seen[trimmed] = true
		out = append(out, trimmed)
	}
	return out
}
