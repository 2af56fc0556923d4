package session

import "strings"

// Role markers, part of the interface contract with the prompt-formatting
// layer. The chat adapter must format prompts with these and
// terminate every prompt with AssistantMarker to obtain prefix reuse.
const (
	AssistantMarker = "<|ASSISTANT|>"
	UserMarker      = "<|USER|>"
	ToolMarker      = "<|TOOL|>"
	SystemMarker    = "<|SYSTEM|>"
)

var roleMarkers = []string{AssistantMarker, UserMarker, ToolMarker, SystemMarker}

// Split implements the prefix-routing algorithm: given a full chat prompt
// P, returns (oldContext, newContext, freshSession) such that oldContext is
// what an existing session should already contain, and newContext is what
// must be freshly advanced. freshSession is true only when the prompt
// doesn't end in the assistant marker. A prompt with no earlier assistant
// marker returns ("", prompt, false): a first turn, routed like any other.
func Split(prompt string) (oldContext, newContext string, freshSession bool) {
	if !strings.HasSuffix(prompt, AssistantMarker) {
		// Route as a fresh session with a warning; preserve this.
		return "", prompt, true
	}

	// Find the last occurrence of the assistant marker excluding the
	// trailing one.
	trailingStart := len(prompt) - len(AssistantMarker)
	priorAssistant := strings.LastIndex(prompt[:trailingStart], AssistantMarker)
	if priorAssistant < 0 {
		return "", prompt, false
	}

	// From that position, find the earliest occurrence of any role marker.
	// The scan starts just past the prior assistant marker itself
	// — otherwise it would trivially match that very marker — so it finds
	// the first marker that opens the latest turn (typically the new
	// <|USER|> message).
	searchFrom := priorAssistant + len(AssistantMarker)
	idx := -1
	for pos := searchFrom; pos < trailingStart; pos++ {
		if pos+len(AssistantMarker) > len(prompt) {
			break
		}
		if matchesAnyMarker(prompt, pos) {
			idx = pos
			break
		}
	}
	if idx < 0 {
		return "", prompt, false
	}

	return prompt[:idx], prompt[idx:], false
}

func matchesAnyMarker(s string, pos int) bool {
	for _, m := range roleMarkers {
		if strings.HasPrefix(s[pos:], m) {
			return true
		}
	}
	return false
}
