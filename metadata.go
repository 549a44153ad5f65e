package collab

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// pin state rides inside the document text as an html comment sentinel,
// so it replicates with the text and needs no side channel:
//
//	<!-- metadata:pinned=true:pinnedAt=<ISO8601>:pinnedBy=<userId> -->
//
// decoding fails closed. a sentinel with an unparseable or missing field
// reads as "not pinned", never as an error.

var pinSentinelRe = regexp.MustCompile(`<!-- metadata:pinned=true:pinnedAt=(.*?):pinnedBy=(.*?) -->\n?`)

type PinMetadata struct {
	Pinned   bool
	PinnedAt time.Time
	PinnedBy string
}

func ParseMetadata(content string) (PinMetadata, bool) {
	m := pinSentinelRe.FindStringSubmatch(content)
	if m == nil {
		return PinMetadata{}, false
	}
	pinnedAt, err := time.Parse(time.RFC3339, m[1])
	if err != nil {
		return PinMetadata{}, false
	}
	pinnedBy := m[2]
	if pinnedBy == "" {
		return PinMetadata{}, false
	}
	// legacy sentinels carried "id:name". take the id part.
	if i := strings.Index(pinnedBy, ":"); 0 <= i {
		pinnedBy = pinnedBy[:i]
	}
	return PinMetadata{
		Pinned:   true,
		PinnedAt: pinnedAt,
		PinnedBy: pinnedBy,
	}, true
}

func IsPinned(content string) bool {
	_, ok := ParseMetadata(content)
	return ok
}

// AddPinMetadata strips every existing pin sentinel and prepends exactly one
// freshly timestamped sentinel. Stripping first keeps the document clean even
// if earlier writers left duplicates behind.
func AddPinMetadata(content string, userId string) string {
	stripped := RemovePinMetadata(content)
	sentinel := fmt.Sprintf(
		"<!-- metadata:pinned=true:pinnedAt=%s:pinnedBy=%s -->\n",
		time.Now().UTC().Format(time.RFC3339),
		userId,
	)
	return sentinel + stripped
}

func RemovePinMetadata(content string) string {
	return pinSentinelRe.ReplaceAllString(content, "")
}
