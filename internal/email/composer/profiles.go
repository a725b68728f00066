package composer

import "strings"

// Profile shapes deliverability headers for one class of receiving system.
// Shaping is an optimization layer only; the threading headers are restored
// after every profile runs, so no profile can break thread continuity.
type Profile interface {
	Name() string
	ShapeHeaders(headers map[string]string) map[string]string
}

var threadingHeaderKeys = []string{"Message-ID", "In-Reply-To", "References"}

func shapePreservingThreading(p Profile, headers map[string]string) map[string]string {
	saved := make(map[string]string, len(threadingHeaderKeys))
	for _, key := range threadingHeaderKeys {
		if v, ok := headers[key]; ok {
			saved[key] = v
		}
	}
	shaped := p.ShapeHeaders(headers)
	if shaped == nil {
		shaped = make(map[string]string)
	}
	for _, key := range threadingHeaderKeys {
		if v, ok := saved[key]; ok {
			shaped[key] = v
		} else {
			delete(shaped, key)
		}
	}
	return shaped
}

// ProfileFor selects the profile for a recipient address. The set is closed;
// unknown domains get the default profile.
func ProfileFor(recipient string) Profile {
	domain := ""
	if at := strings.LastIndex(recipient, "@"); at >= 0 && at < len(recipient)-1 {
		domain = strings.ToLower(recipient[at+1:])
	}
	switch domain {
	case "gmail.com", "googlemail.com", "yahoo.com", "ymail.com", "icloud.com", "me.com", "aol.com":
		return webmailProfile{}
	case "outlook.com", "hotmail.com", "live.com", "msn.com", "office365.com":
		return exchangeProfile{}
	default:
		return defaultProfile{}
	}
}

// webmailProfile keeps headers minimal; consumer webmail providers penalize
// unnecessary bulk-style headers on one-to-one replies.
type webmailProfile struct{}

func (webmailProfile) Name() string { return "webmail" }

func (webmailProfile) ShapeHeaders(headers map[string]string) map[string]string {
	delete(headers, "Precedence")
	delete(headers, "X-Auto-Response-Suppress")
	return headers
}

// exchangeProfile adds compatibility headers for Exchange-family gateways.
type exchangeProfile struct{}

func (exchangeProfile) Name() string { return "exchange" }

func (exchangeProfile) ShapeHeaders(headers map[string]string) map[string]string {
	headers["X-Auto-Response-Suppress"] = "OOF, AutoReply"
	headers["Thread-Index"] = threadIndexFrom(headers["References"])
	return headers
}

// threadIndexFrom derives a stable pseudo Thread-Index so Outlook groups the
// conversation even when it ignores References.
func threadIndexFrom(references string) string {
	refs := strings.Fields(references)
	if len(refs) == 0 {
		return ""
	}
	root := strings.Trim(refs[0], "<>")
	if len(root) > 22 {
		root = root[:22]
	}
	return root
}

// defaultProfile leaves headers untouched.
type defaultProfile struct{}

func (defaultProfile) Name() string { return "default" }

func (defaultProfile) ShapeHeaders(headers map[string]string) map[string]string {
	return headers
}
