package container

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	maxNameLength = 128

	// Two segments plus "atlas-", two int64 ids and separators stay under
	// maxNameLength.
	maxSegmentLength = 40
)

var validName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// ValidName reports whether name satisfies the runtime's naming rules.
func ValidName(name string) bool {
	return len(name) <= maxNameLength && validName.MatchString(name)
}

// Name derives the deterministic container name for a team and challenge.
// The name always carries both numeric ids, so two pairs never share a name
// even when their titles are long or sanitize to the same text. Titles are
// cut to maxSegmentLength; the ids are never cut.
func Name(teamID int64, team string, challengeID int64, challenge string) string {
	return fmt.Sprintf("atlas-%d-%s-%d-%s", teamID, segment(team), challengeID, segment(challenge))
}

func segment(s string) string {
	s = sanitize(s)
	if len(s) > maxSegmentLength {
		s = strings.TrimRight(s[:maxSegmentLength], "_.-")
		if s == "" {
			s = "x"
		}
	}
	return s
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "x"
	}
	return b.String()
}
