package normalizer

import "strings"

// DecodeForwardedSender undoes sender-rewriting schemes applied by
// forwarding MTAs, returning the original address. Handles SRS0/SRS1
// (postfix-style Sender Rewriting Scheme) and BATV prvs tags. Addresses
// without a rewrite pass through unchanged.
func DecodeForwardedSender(addr string) string {
	addr = strings.TrimSpace(addr)
	local, _, ok := splitAddress(addr)
	if !ok {
		return addr
	}
	lower := strings.ToLower(local)
	switch {
	case strings.HasPrefix(lower, "srs0=") || strings.HasPrefix(lower, "srs0+"):
		// SRS0=<hash>=<timestamp>=<orig-domain>=<orig-local>@forwarder
		parts := strings.SplitN(local[5:], "=", 4)
		if len(parts) == 4 && parts[2] != "" && parts[3] != "" {
			return parts[3] + "@" + parts[2]
		}
	case strings.HasPrefix(lower, "srs1="):
		// SRS1=<hash>=<forwarder>==<srs0-remainder>@relay; rebuild the
		// embedded SRS0 address and recurse.
		rest := local[5:]
		if idx := strings.Index(rest, "=="); idx >= 0 {
			left := rest[:idx]
			forwarder := ""
			if eq := strings.Index(left, "="); eq >= 0 {
				forwarder = left[eq+1:]
			}
			inner := "SRS0=" + strings.TrimPrefix(rest[idx+2:], "=")
			if forwarder != "" {
				if decoded := DecodeForwardedSender(inner + "@" + forwarder); decoded != inner+"@"+forwarder {
					return decoded
				}
			}
		}
	case strings.HasPrefix(lower, "prvs="):
		// prvs=<tag>=<orig-local>@domain (BATV)
		parts := strings.SplitN(local, "=", 3)
		if len(parts) == 3 && parts[2] != "" {
			_, domain, _ := splitAddress(addr)
			return parts[2] + "@" + domain
		}
	}
	return addr
}

// DisplayNameFromAddress derives a human-readable name from the local part
// of an address when the mail carries no display name.
func DisplayNameFromAddress(addr string) string {
	local, _, ok := splitAddress(addr)
	if !ok || local == "" {
		return addr
	}
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '.', '_', '-', '+':
			return ' '
		}
		return r
	}, local)
	words := strings.Fields(cleaned)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	if len(words) == 0 {
		return local
	}
	return strings.Join(words, " ")
}

func splitAddress(addr string) (local, domain string, ok bool) {
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at >= len(addr)-1 {
		return "", "", false
	}
	return addr[:at], addr[at+1:], true
}
