package prompt

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/nexus/internal/identity"
	"github.com/nextlevelbuilder/nexus/internal/models"
)

// maxMemoryChars caps one rendered history line's content.
const maxMemoryChars = 500

// capabilitiesSection renders the tool catalog, one block per tool with
// its parameter schema spelled out.
func capabilitiesSection(tools []models.ToolDefinition) string {
	var sb strings.Builder
	sb.WriteString("[CAPABILITIES]\n")
	if len(tools) == 0 {
		sb.WriteString("No tools available.")
		return sb.String()
	}
	sb.WriteString("Available tools:\n")
	for _, t := range tools {
		fn := t.Function
		fmt.Fprintf(&sb, "\n- %s: %s\n", fn.Name, fn.Description)

		props, _ := fn.Parameters["properties"].(map[string]any)
		if len(props) == 0 {
			continue
		}
		required := map[string]bool{}
		switch req := fn.Parameters["required"].(type) {
		case []any:
			for _, r := range req {
				if name, ok := r.(string); ok {
					required[name] = true
				}
			}
		case []string:
			for _, name := range req {
				required[name] = true
			}
		}

		sb.WriteString("  Parameters:\n")
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			prop, _ := props[name].(map[string]any)
			typ, _ := prop["type"].(string)
			if typ == "" {
				typ = "any"
			}
			kind := "optional"
			if required[name] {
				kind = "required"
			}
			line := fmt.Sprintf("    - %s (%s, %s)", name, typ, kind)
			if desc, _ := prop["description"].(string); desc != "" {
				line += ": " + desc
			}
			sb.WriteString(line + "\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// sharedMemorySection renders past human/ai turns, oldest first. Tool
// messages are filtered; entries from the current run are dropped
// because Persistence has already committed the in-flight utterance.
func sharedMemorySection(past []models.Message, currentRunID string) string {
	kept := make([]models.Message, 0, len(past))
	for _, m := range past {
		if m.RunID == currentRunID {
			continue
		}
		if m.Role != models.RoleHuman && m.Role != models.RoleAI {
			continue
		}
		kept = append(kept, m)
	}
	// The store serves newest-first; memory reads chronologically.
	slices.Reverse(kept)

	var sb strings.Builder
	fmt.Fprintf(&sb, "[SHARED_MEMORY count=%d]\n", len(kept))
	sb.WriteString("Recent conversation memory:\n\n")
	if len(kept) == 0 {
		sb.WriteString("(No previous conversations yet)")
		return sb.String()
	}
	lines := make([]string, 0, len(kept))
	for _, m := range kept {
		speaker := "Human"
		if m.Role == models.RoleAI {
			speaker = "Nexus"
		}
		text, _ := m.Content.AsText()
		lines = append(lines, fmt.Sprintf("[%s] %s: %s",
			m.Timestamp.UTC().Format("2006-01-02 15:04"), speaker, truncate(text, maxMemoryChars)))
	}
	sb.WriteString(strings.Join(lines, "\n"))
	return sb.String()
}

// truncate caps s at max runes, marking the cut with "...".
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

// friendsInfoSection picks the best available description of this
// friend: the authored profile, the legacy learning layer, the
// membership date, or the still-learning placeholder.
func friendsInfoSection(profile map[string]any) string {
	body := "(Still learning about this friend's preferences)"
	overrides, _ := profile["prompt_overrides"].(map[string]any)
	if text, ok := identity.OverrideContent(overrides["friends_profile"]); ok && text != "" {
		body = text
	} else if text, ok := identity.OverrideContent(overrides["learning"]); ok && text != "" {
		body = text
	} else if created, ok := profile["created_at"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, created); err == nil {
			body = "Member since: " + ts.UTC().Format("2006-01-02")
		}
	}
	return "[FRIENDS_INFO]\nAbout this friend:\n\n" + body
}

// thisMomentSection frames the utterance, with the client's local time
// when the request carried a timestamp.
func thisMomentSection(input, timestampUTC string, offsetMinutes int) string {
	var sb strings.Builder
	sb.WriteString("[THIS_MOMENT]\n")
	if local, ok := localTime(timestampUTC, offsetMinutes); ok {
		fmt.Fprintf(&sb, "<current_time>%s</current_time>\n", local)
	}
	fmt.Fprintf(&sb, "<human_input>\n%s\n</human_input>", input)
	return sb.String()
}

// localTime renders the client's wall clock. offsetMinutes follows the
// JavaScript getTimezoneOffset convention: minutes to add to local time
// to reach UTC, so UTC+7 arrives as -420.
func localTime(timestampUTC string, offsetMinutes int) (string, bool) {
	if timestampUTC == "" {
		return "", false
	}
	ts, err := time.Parse(time.RFC3339, timestampUTC)
	if err != nil {
		// Zone-less ISO form; treat as UTC.
		for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04:05.999999999"} {
			if ts, err = time.Parse(layout, timestampUTC); err == nil {
				break
			}
		}
		if err != nil {
			return "", false
		}
	}
	zone := time.FixedZone("", -offsetMinutes*60)
	return ts.In(zone).Format("2006-01-02 15:04:05-07:00"), true
}
