package ingest

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// wikilinkRe matches [[target]] and [[target|alias]].
var wikilinkRe = regexp.MustCompile(`\[\[([^\[\]|]+?)(?:\|([^\[\]]+?))?\]\]`)

// extractMarkdown strips YAML frontmatter and keeps its scalar keys as
// metadata. Obsidian-style wiki-links are reduced to their display text and
// their targets recorded under "links".
func extractMarkdown(path string, data []byte) ([]Item, error) {
	fm, body, err := splitFrontmatter(string(data))
	if err != nil {
		return nil, fmt.Errorf("frontmatter parse error in %s: %w", path, err)
	}
	meta := scalarMetadata(fm)
	if links := wikiLinkTargets(body); len(links) > 0 {
		meta["links"] = strings.Join(links, ",")
	}
	return []Item{{
		Source:   path,
		Text:     strings.TrimSpace(stripWikiLinks(body)),
		Metadata: meta,
	}}, nil
}

// wikiLinkTargets returns the link targets of content in order of first
// appearance, deduplicated case-insensitively.
func wikiLinkTargets(content string) []string {
	seen := make(map[string]bool)
	var targets []string
	for _, m := range wikilinkRe.FindAllStringSubmatch(content, -1) {
		target := strings.TrimSpace(m[1])
		key := strings.ToLower(target)
		if target == "" || seen[key] {
			continue
		}
		seen[key] = true
		targets = append(targets, target)
	}
	return targets
}

// stripWikiLinks replaces each link with its alias, or its target when it
// has none.
func stripWikiLinks(content string) string {
	return wikilinkRe.ReplaceAllStringFunc(content, func(match string) string {
		parts := wikilinkRe.FindStringSubmatch(match)
		if alias := strings.TrimSpace(parts[2]); alias != "" {
			return alias
		}
		return strings.TrimSpace(parts[1])
	})
}

// splitFrontmatter separates YAML frontmatter (between --- delimiters) from
// the body. Text without a complete frontmatter block is returned whole.
func splitFrontmatter(text string) (map[string]interface{}, string, error) {
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, "", err
	}

	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return map[string]interface{}{}, text, nil
	}

	closeIdx := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			closeIdx = i
			break
		}
	}
	if closeIdx == -1 {
		return map[string]interface{}{}, text, nil
	}

	fm := make(map[string]interface{})
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:closeIdx], "\n")), &fm); err != nil {
		return nil, "", fmt.Errorf("invalid YAML: %w", err)
	}
	return fm, strings.Join(lines[closeIdx+1:], "\n"), nil
}

// scalarMetadata flattens the scalar values of m to strings. Lists of
// scalars are joined with commas; nested maps are dropped.
func scalarMetadata(m map[string]interface{}) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := scalarString(v); ok {
			out[k] = s
			continue
		}
		list, ok := v.([]interface{})
		if !ok {
			continue
		}
		var parts []string
		for _, item := range list {
			if s, ok := scalarString(item); ok {
				parts = append(parts, s)
			}
		}
		if len(parts) > 0 {
			out[k] = strings.Join(parts, ",")
		}
	}
	return out
}

func scalarString(v interface{}) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case bool, int, int64, uint64:
		return fmt.Sprintf("%v", x), true
	case time.Time:
		return x.Format(time.RFC3339), true
	default:
		return "", false
	}
}
