package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"adaptive-limiter/internal/domain"
)

// Unknown substitui qualquer componente ausente do fingerprint
const Unknown = "unknown"

// Identifier deriva o IP do cliente e o fingerprint pseudo-anônimo
type Identifier struct{}

// NewIdentifier cria um novo Identifier
func NewIdentifier() *Identifier {
	return &Identifier{}
}

// Identify nunca falha: metadados ausentes viram "unknown" e marcam Malformed
func (i *Identifier) Identify(meta domain.ClientMeta) domain.Identity {
	ip, ipOK := ClientIP(meta)

	userAgent := strings.TrimSpace(header(meta, "User-Agent"))
	acceptLanguage := strings.TrimSpace(header(meta, "Accept-Language"))
	acceptEncoding := strings.TrimSpace(header(meta, "Accept-Encoding"))

	data := fmt.Sprintf("%s|%s|%s|%s",
		orUnknown(ip),
		orUnknown(userAgent),
		orUnknown(acceptLanguage),
		orUnknown(acceptEncoding),
	)
	hash := sha256.Sum256([]byte(data))

	return domain.Identity{
		IP:          orUnknown(ip),
		Fingerprint: hex.EncodeToString(hash[:]),
		UserAgent:   userAgent,
		Malformed:   !ipOK || userAgent == "",
	}
}

// ClientIP prefere X-Real-IP, depois o primeiro salto de X-Forwarded-For
// e por fim o endereço do socket
func ClientIP(meta domain.ClientMeta) (string, bool) {
	if realIP := strings.TrimSpace(header(meta, "X-Real-IP")); realIP != "" {
		if ip := net.ParseIP(realIP); ip != nil {
			return ip.String(), true
		}
	}

	if forwarded := header(meta, "X-Forwarded-For"); forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String(), true
		}
	}

	addr := strings.TrimSpace(meta.RemoteAddr)
	if addr == "" {
		return "", false
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	if ip := net.ParseIP(addr); ip != nil {
		return ip.String(), true
	}
	return "", false
}

func header(meta domain.ClientMeta, name string) string {
	if meta.Headers == nil {
		return ""
	}
	return meta.Headers.Get(name)
}

func orUnknown(v string) string {
	if v == "" {
		return Unknown
	}
	return v
}
