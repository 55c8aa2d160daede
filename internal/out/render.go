package out

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/ggonzalez94/defi-yield/internal/config"
	"github.com/ggonzalez94/defi-yield/internal/model"
)

func Render(w io.Writer, env model.Envelope, settings config.Settings) error {
	data := env.Data
	if len(settings.SelectFields) > 0 {
		data = project(data, settings.SelectFields)
	}

	if settings.ResultsOnly {
		if settings.OutputMode == "json" {
			return encodeJSON(w, data)
		}
		return renderPlain(w, data)
	}

	if settings.OutputMode == "json" {
		env.Data = data
		return encodeJSON(w, env)
	}

	if env.Error != nil {
		return renderPlainError(w, env)
	}
	if err := renderPlain(w, data); err != nil {
		return err
	}
	for _, warning := range env.Warnings {
		if _, err := fmt.Fprintf(w, "warning: %s\n", warning); err != nil {
			return err
		}
	}
	return nil
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderPlainError(w io.Writer, env model.Envelope) error {
	e := env.Error
	if _, err := fmt.Fprintf(w, "error [%s] %s\n", e.Kind, e.Message); err != nil {
		return err
	}
	if e.Hint != "" {
		if _, err := fmt.Fprintf(w, "hint: %s\n", e.Hint); err != nil {
			return err
		}
	}
	for _, warning := range env.Warnings {
		if _, err := fmt.Fprintf(w, "warning: %s\n", warning); err != nil {
			return err
		}
	}
	return nil
}

func renderPlain(w io.Writer, data any) error {
	switch t := data.(type) {
	case model.DiscoveryResult:
		return renderDiscovery(w, t)
	case *model.DiscoveryResult:
		if t != nil {
			return renderDiscovery(w, *t)
		}
	}

	v := reflect.ValueOf(data)
	if !v.IsValid() {
		_, err := fmt.Fprintln(w, "null")
		return err
	}

	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			item := normalizeValue(v.Index(i).Interface())
			line, err := toLine(item)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}
		if v.Len() == 0 {
			_, err := fmt.Fprintln(w, "[]")
			return err
		}
		return nil
	default:
		line, err := toLine(normalizeValue(data))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, line)
		return err
	}
}

// renderDiscovery prints one ranked line per vault followed by a summary.
func renderDiscovery(w io.Writer, res model.DiscoveryResult) error {
	for i, v := range res.Protocols {
		score, risk := 0.0, model.RiskLevel("-")
		if v.Safety != nil {
			score, risk = v.Safety.Score, v.Safety.Risk
		}
		line := fmt.Sprintf("%2d. %-28s %-16s %-10s apy=%.2f%% tvl=$%s safety=%.1f/10 risk=%s",
			i+1, v.Name, v.Project, v.ChainName, v.APY, humanize.CommafWithDigits(v.TVLUSD, 0), score, risk)
		if _, err := fmt.Fprintln(w, strings.TrimRight(line, " ")); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "showing %d of %d\n", res.Shown, res.TotalFound); err != nil {
		return err
	}
	for _, c := range res.Chains {
		if c.Status != "error" {
			continue
		}
		if _, err := fmt.Fprintf(w, "chain %s failed: %s\n", c.Chain, c.Error); err != nil {
			return err
		}
	}
	return nil
}

func project(data any, fields []string) any {
	n := normalizeValue(data)
	switch t := n.(type) {
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, item := range t {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			out = append(out, projectMap(m, fields))
		}
		return out
	case map[string]any:
		return projectMap(t, fields)
	default:
		return n
	}
}

// projectMap supports dotted paths such as "safety.score".
func projectMap(m map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := lookup(m, f); ok {
			out[f] = v
		}
	}
	return out
}

func lookup(m map[string]any, path string) (any, bool) {
	if v, ok := m[path]; ok {
		return v, true
	}
	head, rest, found := strings.Cut(path, ".")
	if !found {
		return nil, false
	}
	next, ok := m[head].(map[string]any)
	if !ok {
		return nil, false
	}
	return lookup(next, rest)
}

func normalizeValue(v any) any {
	buf, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(buf, &out); err != nil {
		return v
	}
	return out
}

func toLine(v any) (string, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, t[k]))
		}
		return strings.Join(parts, " "), nil
	default:
		buf, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(buf), nil
	}
}
