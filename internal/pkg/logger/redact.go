package logger

import "strings"

// RedactEmail masks the local part of an address before it is logged.
// Enough of the local part survives to correlate log lines, never
// enough to reconstruct the address. Local parts of two characters or
// fewer are masked entirely; anything that is not a plain address is
// masked on both sides.
func RedactEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return "***@***"
	}
	if len(local) <= 2 {
		return "***@" + domain
	}
	return local[:2] + "***@" + domain
}
