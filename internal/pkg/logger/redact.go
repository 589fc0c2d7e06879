package logger

import "strings"

// RedactToken masks an opaque visitor token for safe logging.
// "3f2a9c1e-77b0-4f" → "3f2a***"
// Tokens of four characters or fewer are fully masked.
func RedactToken(token string) string {
	if len(token) <= 4 {
		return "***"
	}
	return token[:4] + "***"
}

// RedactIP drops the host part of an address: "203.0.113.7" → "203.0.113.x".
func RedactIP(ip string) string {
	if i := strings.LastIndexAny(ip, ".:"); i > 0 {
		return ip[:i+1] + "x"
	}
	return "x"
}

func redactValue(key, val string) string {
	key = strings.ToLower(key)
	switch {
	case strings.Contains(key, "token"):
		return RedactToken(val)
	case key == "ip" || strings.HasSuffix(key, "_ip"):
		return RedactIP(val)
	}
	return val
}
