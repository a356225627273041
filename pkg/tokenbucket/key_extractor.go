package tokenbucket

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// KeyExtractor derives the rate limit key (client identity) from a request.
type KeyExtractor func(*http.Request) (string, error)

// ExtractIP keys requests by r.RemoteAddr without the port.
func ExtractIP() KeyExtractor {
	return func(r *http.Request) (string, error) {
		return remoteIP(r)
	}
}

// ExtractIPWithProxy prefers the first X-Forwarded-For hop, then X-Real-IP,
// then RemoteAddr. Only use it behind a proxy that sets these headers.
func ExtractIPWithProxy() KeyExtractor {
	return func(r *http.Request) (string, error) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return "ip:" + ip, nil
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return "ip:" + xri, nil
		}
		return remoteIP(r)
	}
}

func remoteIP(r *http.Request) (string, error) {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	if ip == "" {
		return "", fmt.Errorf("%w: empty IP address", ErrKeyExtractionFailed)
	}
	return "ip:" + ip, nil
}

// ExtractHeader keys requests by the value of header name.
func ExtractHeader(name string) KeyExtractor {
	return func(r *http.Request) (string, error) {
		value := r.Header.Get(name)
		if value == "" {
			return "", fmt.Errorf("%w: header %s not found or empty", ErrKeyExtractionFailed, name)
		}
		return "header:" + name + ":" + value, nil
	}
}

// ExtractBearer keys requests by the token in "Authorization: Bearer <token>".
func ExtractBearer() KeyExtractor {
	return func(r *http.Request) (string, error) {
		scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			return "", fmt.Errorf("%w: missing or malformed bearer token", ErrKeyExtractionFailed)
		}
		if token = strings.TrimSpace(token); token == "" {
			return "", fmt.Errorf("%w: empty bearer token", ErrKeyExtractionFailed)
		}
		return "bearer:" + token, nil
	}
}

// ExtractCookie keys requests by the value of cookie name.
func ExtractCookie(name string) KeyExtractor {
	return func(r *http.Request) (string, error) {
		cookie, err := r.Cookie(name)
		if err != nil || cookie.Value == "" {
			return "", fmt.Errorf("%w: cookie %s not found or empty", ErrKeyExtractionFailed, name)
		}
		return "cookie:" + name + ":" + cookie.Value, nil
	}
}

// ExtractStatic puts every request in the same bucket (global limit).
func ExtractStatic(key string) KeyExtractor {
	return func(*http.Request) (string, error) {
		if key == "" {
			return "", fmt.Errorf("%w: static key is empty", ErrKeyExtractionFailed)
		}
		return key, nil
	}
}

// ExtractComposite tries extractors in order and returns the first key.
//
//	ExtractComposite(ExtractHeader("X-API-Key"), ExtractIPWithProxy())
func ExtractComposite(extractors ...KeyExtractor) KeyExtractor {
	return func(r *http.Request) (string, error) {
		lastErr := fmt.Errorf("%w: no extractors provided", ErrKeyExtractionFailed)
		for _, extract := range extractors {
			key, err := extract(r)
			if err == nil && key != "" {
				return key, nil
			}
			if err != nil {
				lastErr = err
			}
		}
		return "", lastErr
	}
}

// ParseKeyExtractorConfig builds a KeyExtractor from its config string:
// "ip", "ip-proxy", "bearer", "header:<name>", "cookie:<name>", "static:<key>".
func ParseKeyExtractorConfig(config string) (KeyExtractor, error) {
	kind, arg, hasArg := strings.Cut(config, ":")

	switch kind {
	case "ip":
		return ExtractIP(), nil
	case "ip-proxy":
		return ExtractIPWithProxy(), nil
	case "bearer":
		return ExtractBearer(), nil
	case "header", "cookie", "static":
		if !hasArg || arg == "" {
			return nil, fmt.Errorf("%w: %s extractor requires format '%s:value'", ErrInvalidConfig, kind, kind)
		}
		switch kind {
		case "header":
			return ExtractHeader(arg), nil
		case "cookie":
			return ExtractCookie(arg), nil
		default:
			return ExtractStatic(arg), nil
		}
	default:
		return nil, fmt.Errorf("%w: unknown key extractor type: %s", ErrInvalidConfig, kind)
	}
}
