// internal/session/history.go
package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// handoffMarker prefixes the synthetic control messages agents emit when
// passing the conversation to another agent; they carry no user content.
const handoffMarker = "Handing off to"

// dedupePrefixLen is how much message content participates in the
// de-duplication key.
const dedupePrefixLen = 50

// managerSender is the orchestrating pseudo-agent; it never counts as the
// last speaker.
const managerSender = "manager"

// Messages derives the displayable message list from a raw event array:
// only "text" events, with handoff and empty entries dropped, de-duplicated
// by sender plus content prefix in insertion order.
func Messages(events []map[string]interface{}) []map[string]interface{} {
	var messages []map[string]interface{}
	seen := map[string]bool{}

	for _, event := range events {
		if stringField(event, "type") != "text" {
			continue
		}
		content := stringField(event, "content")
		if content == "" || content == "None" || strings.HasPrefix(content, handoffMarker) {
			continue
		}
		sender := stringField(event, "sender")

		prefix := content
		if len(prefix) > dedupePrefixLen {
			prefix = prefix[:dedupePrefixLen]
		}
		key := sender + "\x00" + prefix
		if seen[key] {
			continue
		}
		seen[key] = true

		role := "assistant"
		if sender == "user" {
			role = "user"
		}
		messages = append(messages, map[string]interface{}{
			"role":    role,
			"sender":  sender,
			"content": content,
		})
	}
	return messages
}

// Summary derives a run summary: the last run_completion event's explicit
// summary, else the last message of its embedded history, else the content
// of the last usable text event.
func Summary(events []map[string]interface{}) string {
	for i := len(events) - 1; i >= 0; i-- {
		event := events[i]
		if stringField(event, "type") != "run_completion" {
			continue
		}
		if summary := stringField(event, "summary"); summary != "" {
			return summary
		}
		if history, ok := event["history"].([]interface{}); ok && len(history) > 0 {
			if last, ok := history[len(history)-1].(map[string]interface{}); ok {
				if content := stringField(last, "content"); content != "" {
					return content
				}
			}
		}
	}

	for i := len(events) - 1; i >= 0; i-- {
		event := events[i]
		if stringField(event, "type") != "text" {
			continue
		}
		content := stringField(event, "content")
		if content == "" || content == "None" || strings.HasPrefix(content, handoffMarker) {
			continue
		}
		return content
	}
	return ""
}

// TotalCost sums the cost fields of the completion log entries, skipping
// entries without one. A total of exactly zero reports ok=false: zero cost
// is indistinguishable from "no cost data" by policy.
func TotalCost(entries []map[string]interface{}) (float64, bool) {
	total := 0.0
	for _, entry := range entries {
		if cost, ok := entry["cost"].(float64); ok {
			total += cost
		}
	}
	if total == 0 {
		return 0, false
	}
	return total, true
}

// ContextVariables returns the most recent context-variable snapshot
// embedded in a run_completion or executed_function event, or nil.
func ContextVariables(events []map[string]interface{}) map[string]interface{} {
	for i := len(events) - 1; i >= 0; i-- {
		event := events[i]
		switch stringField(event, "type") {
		case "run_completion", "executed_function":
			if vars, ok := event["context_variables"].(map[string]interface{}); ok {
				return vars
			}
		}
	}
	return nil
}

// LastSpeaker returns the last speaking agent: preferred from the embedded
// field of the most recent run_completion or executed_function event, else
// the sender of the last non-manager text event.
func LastSpeaker(events []map[string]interface{}) string {
	for i := len(events) - 1; i >= 0; i-- {
		event := events[i]
		switch stringField(event, "type") {
		case "run_completion", "executed_function":
			if speaker := stringField(event, "last_speaker"); speaker != "" {
				return speaker
			}
		}
	}

	for i := len(events) - 1; i >= 0; i-- {
		event := events[i]
		if stringField(event, "type") != "text" {
			continue
		}
		if sender := stringField(event, "sender"); sender != "" && sender != managerSender {
			return sender
		}
	}
	return ""
}

func stringField(doc map[string]interface{}, key string) string {
	s, _ := doc[key].(string)
	return s
}

// LoadEvents reads the raw event array from a checkpoint's state.json.
// Missing or malformed files yield an empty slice.
func LoadEvents(checkpointDir string) []map[string]interface{} {
	doc := readObject(filepath.Join(checkpointDir, "state.json"))
	raw, ok := doc["events"].([]interface{})
	if !ok {
		return nil
	}
	events := make([]map[string]interface{}, 0, len(raw))
	for _, item := range raw {
		if event, ok := item.(map[string]interface{}); ok {
			events = append(events, event)
		}
	}
	return events
}

// readObject reads a JSON object from path, accepting an array with an
// object at index 0 for backward compatibility. Failures yield an empty
// map.
func readObject(path string) map[string]interface{} {
	data, err := os.ReadFile(path)
	if err != nil {
		return map[string]interface{}{}
	}
	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		return map[string]interface{}{}
	}
	switch v := value.(type) {
	case map[string]interface{}:
		return v
	case []interface{}:
		if len(v) > 0 {
			if obj, ok := v[0].(map[string]interface{}); ok {
				return obj
			}
		}
	}
	return map[string]interface{}{}
}

// readList reads a JSON array of objects from path. Failures yield nil.
func readList(path string) []map[string]interface{} {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	entries := make([]map[string]interface{}, 0, len(raw))
	for _, item := range raw {
		if entry, ok := item.(map[string]interface{}); ok {
			entries = append(entries, entry)
		}
	}
	return entries
}

// EnrichResults fills the derived summary fields of a checkpoint's
// results.json in place when they are absent: messages, summary, cost,
// context_variables and last_speaker. Enrichment is best-effort; any read,
// parse or write failure leaves the file untouched and is never fatal to
// the run.
func EnrichResults(checkpointDir string) {
	resultsPath := filepath.Join(checkpointDir, "results.json")
	data, err := os.ReadFile(resultsPath)
	if err != nil {
		return
	}
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}

	var results map[string]interface{}
	switch v := raw.(type) {
	case map[string]interface{}:
		results = v
	case []interface{}:
		if len(v) > 0 {
			results, _ = v[0].(map[string]interface{})
		}
	}
	if results == nil {
		return
	}

	events := LoadEvents(checkpointDir)
	completions := readList(filepath.Join(checkpointDir, "chat_completions.json"))

	if _, ok := results["messages"]; !ok {
		if messages := Messages(events); len(messages) > 0 {
			results["messages"] = messages
		}
	}
	if _, ok := results["summary"]; !ok {
		if summary := Summary(events); summary != "" {
			results["summary"] = summary
		}
	}
	if _, ok := results["cost"]; !ok {
		if cost, ok := TotalCost(completions); ok {
			results["cost"] = cost
		}
	}
	if _, ok := results["context_variables"]; !ok {
		if vars := ContextVariables(events); vars != nil {
			results["context_variables"] = vars
		}
	}
	if _, ok := results["last_speaker"]; !ok {
		if speaker := LastSpeaker(events); speaker != "" {
			results["last_speaker"] = speaker
		}
	}

	updated, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(resultsPath, updated, 0644)
}
