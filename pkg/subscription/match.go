package subscription

import (
	"path"
	"strings"

	"github.com/louspringer/inter-llm-mailbox/pkg/message"
)

// Matches reports whether a subscription matches a message addressed to
// target under the given mode, including the subscription's filter.
func (s *Subscription) Matches(target string, mode message.AddressingMode, msg *message.Message) bool {
	if !s.matchesTarget(target, mode) {
		return false
	}
	if s.Options.MessageFilter != nil && msg != nil {
		return s.Options.MessageFilter.Matches(msg)
	}
	return true
}

func (s *Subscription) matchesTarget(target string, mode message.AddressingMode) bool {
	if mode == message.ModeBroadcast && (s.Pattern == "*" || s.Pattern == "broadcast:*") {
		return true
	}
	if s.Pattern == "" {
		return s.Target == target
	}
	if strings.Contains(s.Pattern, ".") {
		return matchHierarchical(s.Pattern, target)
	}
	return matchGlob(s.Pattern, target)
}

// matchGlob matches a flat glob pattern. Channel names never contain
// '/', so path.Match's separator rules do not interfere.
func matchGlob(pattern, target string) bool {
	ok, err := path.Match(pattern, target)
	return err == nil && ok
}

// matchHierarchical matches dotted patterns segment-wise. "**" matches
// any suffix of zero or more segments; a terminal "*" matches exactly
// one segment; "*" elsewhere is not supported and fails the match.
func matchHierarchical(pattern, target string) bool {
	pseg := strings.Split(pattern, ".")
	tseg := strings.Split(target, ".")

	for i, p := range pseg {
		switch p {
		case "**":
			// Prefix up to here already matched; any suffix is fine.
			return true
		case "*":
			if i != len(pseg)-1 {
				return false
			}
			// Terminal "*": exactly one more segment.
			return len(tseg) == len(pseg)
		default:
			if i >= len(tseg) || tseg[i] != p {
				return false
			}
		}
	}
	return len(tseg) == len(pseg)
}
