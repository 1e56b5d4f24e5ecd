package vuln

import (
	"regexp"
	"sort"
	"strings"
)

// MinTokenLength is the shortest token kept by Tokenize.
const MinTokenLength = 4

var wordPattern = regexp.MustCompile(`[a-z0-9]+`)

// allowlist terms are always specific, even when they would otherwise be filtered.
var allowlist = toSet(
	// auth and identity
	"login", "logon", "signin", "credential", "credentials", "session", "sessions", "oauth",
	"saml", "openid", "token", "tokens", "password", "passwords", "authentication", "auth",
	"cookie", "cookies", "identity", "kerberos", "ldap", "account", "accounts", "totp",
	// protocols
	"http2", "smtp", "imap", "webdav", "websocket", "graphql", "openvpn",
	// vendors and products
	"apache", "nginx", "tomcat", "struts", "log4j", "log4shell", "spring", "openssl", "openssh",
	"exchange", "sharepoint", "outlook", "office", "windows", "chrome", "chromium", "firefox",
	"safari", "wordpress", "drupal", "joomla", "magento", "confluence", "jira", "gitlab",
	"jenkins", "citrix", "fortinet", "fortigate", "fortios", "ivanti", "pulse", "moveit",
	"vmware", "vcenter", "cisco", "paloalto", "zimbra", "roundcube", "java", "node",
	"bash", "shellshock", "android", "iphone",
)

// denylist terms are security or web boilerplate shared by nearly every candidate.
var denylist = toSet(
	"security", "secure", "platform", "version", "versions", "vulnerability", "vulnerabilities",
	"vulnerable", "attack", "attacker", "attackers", "issue", "issues", "affected", "affects",
	"product", "products", "software", "application", "applications", "system", "systems",
	"service", "services", "server", "client", "user", "users", "data", "information",
	"http", "https", "html", "index", "page", "pages", "site", "website", "link", "links",
	"risk", "score", "threat", "threats", "suspicious", "malicious", "analysis", "indicator",
	"indicators", "detected", "potential", "possible", "multiple", "unknown", "known", "based",
	"allows", "allow", "could", "would", "should", "which", "there", "their", "these", "those",
	"this", "that", "with", "from", "have", "been", "into", "about", "also", "more", "other",
	"some", "such", "than", "then", "they", "when", "where", "will", "your", "contains",
	"found", "high", "medium", "critical", "severity", "update", "updates", "remote",
)

// criticalTerms are the authentication/identity subset weighted separately during scoring.
var criticalTerms = toSet(
	"login", "logon", "signin", "credential", "credentials", "session", "sessions", "oauth",
	"saml", "openid", "token", "tokens", "password", "passwords", "authentication",
	"auth", "cookie", "cookies", "identity", "kerberos", "ldap", "passkey", "webauthn",
)

func toSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// Tokenize lower-cases the texts and returns distinct alphanumeric runs of at least
// MinTokenLength characters, in order of first appearance.
func Tokenize(texts ...string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range texts {
		for _, w := range wordPattern.FindAllString(strings.ToLower(t), -1) {
			if len(w) < MinTokenLength {
				continue
			}
			if _, ok := seen[w]; ok {
				continue
			}
			seen[w] = struct{}{}
			out = append(out, w)
		}
	}
	return out
}

// IsSpecific reports whether a token survives the specificity filter.
func IsSpecific(token string) bool {
	if _, ok := allowlist[token]; ok {
		return true
	}
	if _, ok := denylist[token]; ok {
		return false
	}
	return !isNumeric(token)
}

// IsCritical reports whether a token is in the authentication/identity sub-list.
func IsCritical(token string) bool {
	_, ok := criticalTerms[token]
	return ok
}

// SpecificTokens tokenizes and filters the texts, returning a sorted slice.
func SpecificTokens(texts ...string) []string {
	var out []string
	for _, t := range Tokenize(texts...) {
		if IsSpecific(t) {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// wordSet is the lower-cased word membership set of the texts, without a length floor.
func wordSet(texts ...string) map[string]struct{} {
	m := make(map[string]struct{})
	for _, t := range texts {
		for _, w := range wordPattern.FindAllString(strings.ToLower(t), -1) {
			m[w] = struct{}{}
		}
	}
	return m
}
