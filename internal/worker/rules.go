package worker

import "strings"

// accessRules is the per-resource peer filter. An empty allow list admits
// everyone; the deny list always takes precedence.
type accessRules struct {
	allow map[string]struct{}
	deny  map[string]struct{}
}

func rulesFromConfig(cfg map[string]any) accessRules {
	rules := accessRules{
		allow: map[string]struct{}{},
		deny:  map[string]struct{}{},
	}
	lists, _ := cfg["lists"].(map[string]any)
	if lists == nil {
		return rules
	}
	for _, peer := range stringList(lists["allow"]) {
		rules.allow[peer] = struct{}{}
	}
	for _, peer := range stringList(lists["deny"]) {
		rules.deny[peer] = struct{}{}
	}
	return rules
}

func (r accessRules) allows(peerID string) bool {
	peerID = strings.TrimSpace(peerID)
	if _, denied := r.deny[peerID]; denied {
		return false
	}
	if len(r.allow) == 0 {
		return true
	}
	_, ok := r.allow[peerID]
	return ok
}

func stringList(value any) []string {
	var out []string
	switch list := value.(type) {
	case []string:
		for _, item := range list {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	case []any:
		for _, item := range list {
			text, ok := item.(string)
			if !ok {
				continue
			}
			if text = strings.TrimSpace(text); text != "" {
				out = append(out, text)
			}
		}
	}
	return out
}
