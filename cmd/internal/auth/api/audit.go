package authapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// audit emits a structured security-relevant event. These land in the normal
// log stream; log shipping routes them to wherever audit trails live.
func (h *Handler) audit(ctx context.Context, action string, attrs ...any) {
	h.log.InfoContext(ctx, action, attrs...)
}

func ipAttr(ip net.IP) slog.Attr {
	if ip == nil {
		return slog.String("ip", "")
	}
	return slog.String("ip", ip.String())
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
