package classifier

import (
	"fmt"
	"net/url"
	"strings"
)

// MatchMode selects how allow-list entries are compared with a request URL.
type MatchMode string

const (
	// MatchExact compares the request host with each entry, ignoring case and port.
	MatchExact MatchMode = "exact"
	// MatchSubstring accepts any URL whose text contains an entry.
	// This over-matches unrelated hosts sharing a substring (and paths or queries
	// mentioning an entry); it is offered for sites relying on that behavior.
	MatchSubstring MatchMode = "substring"
)

func ParseMatchMode(s string) (MatchMode, error) {
	switch m := MatchMode(strings.ToLower(s)); m {
	case "":
		return MatchExact, nil
	case MatchExact, MatchSubstring:
		return m, nil
	}
	return "", fmt.Errorf("unknown allow-list match mode %q", s)
}

// DefaultHosts are the font service and CDNs a site typically pulls from.
var DefaultHosts = []string{
	"fonts.googleapis.com",
	"fonts.gstatic.com",
	"cdnjs.cloudflare.com",
	"unpkg.com",
}

// AllowList is the set of cross-origin hosts eligible for interception.
type AllowList struct {
	Hosts []string
	Mode  MatchMode
}

func (a AllowList) Allows(u *url.URL) bool {
	if a.Mode == MatchSubstring {
		href := u.String()
		for _, host := range a.Hosts {
			if host != "" && strings.Contains(href, host) {
				return true
			}
		}
		return false
	}
	hostname := u.Hostname()
	for _, host := range a.Hosts {
		if strings.EqualFold(hostname, host) {
			return true
		}
	}
	return false
}
