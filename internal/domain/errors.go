package domain

import "errors"

var (
	// ErrStoreUnavailable indica falha ou timeout no storage compartilhado (fail-open)
	ErrStoreUnavailable = errors.New("shared store unavailable")

	// ErrDenyListed indica IP na lista de bloqueio (negação terminal)
	ErrDenyListed = errors.New("client ip is deny-listed")

	// ErrQuotaExceeded indica cota esgotada na janela atual
	ErrQuotaExceeded = errors.New("rate limit quota exceeded")

	// ErrMalformedRequestMetadata nunca chega ao chamador, vira sinal de ameaça
	ErrMalformedRequestMetadata = errors.New("malformed request metadata")

	// ErrPolicyNotFound é resolvido com a política default
	ErrPolicyNotFound = errors.New("rate limit policy not found")

	// ErrInvalidIP indica um IP inválido em operações administrativas
	ErrInvalidIP = errors.New("invalid ip address")
)
