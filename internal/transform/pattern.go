package transform

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"nexsus/internal/schema"
	"nexsus/internal/types"
)

// Pattern is a per-model narrative template. Placeholders are `{field}` or
// `{field:formatter}`; KeyFields always render, every other non-empty field
// lands in the dynamic appendix.
type Pattern struct {
	Model              string   `json:"model"`
	Template           string   `json:"template"`
	KeyFields          []string `json:"key_fields"`
	MaxNarrativeLength int      `json:"max_narrative_length"`
}

// LoadPatterns reads every *.json pattern file under dir, keyed by model
// name. A missing directory is not an error; syncs run fine without
// patterns.
func LoadPatterns(dir string, logger *zap.Logger) (map[string]Pattern, error) {
	out := make(map[string]Pattern)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("failed to read pattern directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read pattern %s: %w", e.Name(), err)
		}
		var p Pattern
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", e.Name(), err)
		}
		if p.Model == "" {
			logger.Warn("pattern file has no model, skipping", zap.String("file", e.Name()))
			continue
		}
		out[p.Model] = p
		logger.Debug("loaded narrative pattern", zap.String("model", p.Model))
	}
	return out, nil
}

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z0-9_.]+)(?::([a-zA-Z_]+))?\}`)

// renderPattern expands the template, appends the dynamic appendix of
// remaining non-empty fields, and truncates to MaxNarrativeLength with an
// ellipsis.
func renderPattern(p Pattern, model *schema.Model, values map[string]types.Value) string {
	key := make(map[string]bool, len(p.KeyFields))
	for _, k := range p.KeyFields {
		key[k] = true
	}

	inTemplate := make(map[string]bool)
	text := placeholderRe.ReplaceAllStringFunc(p.Template, func(match string) string {
		groups := placeholderRe.FindStringSubmatch(match)
		name, formatter := groups[1], groups[2]
		inTemplate[name] = true
		f, ok := model.FieldByName(name)
		if !ok {
			return ""
		}
		v, ok := values[name]
		if !ok || v.IsEmpty(f.Type) {
			return ""
		}
		return formatValue(v, f, formatter)
	})

	// Key fields the template left out lead the appendix, so truncation
	// eats the generic tail first.
	var keyParts, appendix []string
	for _, f := range model.Fields {
		if inTemplate[f.Name] {
			continue
		}
		v, ok := values[f.Name]
		if !ok || v.IsEmpty(f.Type) {
			continue
		}
		part := f.Label + " - " + humanizeValue(v, f)
		if key[f.Name] {
			keyParts = append(keyParts, part)
		} else {
			appendix = append(appendix, part)
		}
	}
	if parts := append(keyParts, appendix...); len(parts) > 0 {
		text = strings.TrimRight(text, " .") + ". " + strings.Join(parts, ", ")
	}

	if p.MaxNarrativeLength > 0 && len(text) > p.MaxNarrativeLength {
		cut := p.MaxNarrativeLength - 3
		if cut < 0 {
			cut = 0
		}
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut] + "..."
	}
	return text
}

// formatValue applies an explicit placeholder formatter, falling back to the
// default humanization.
func formatValue(v types.Value, f schema.Field, formatter string) string {
	switch formatter {
	case "raw":
		return fmt.Sprintf("%v", v.Raw())
	case "upper":
		return strings.ToUpper(humanizeValue(v, f))
	case "count":
		if v.Kind == types.ValueIDList {
			return fmt.Sprintf("%d", len(v.IDs))
		}
	}
	return humanizeValue(v, f)
}
