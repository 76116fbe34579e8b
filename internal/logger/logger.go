package logger

import (
	"context"
	"io"
	"os"
	"strings"

	"adaptive-limiter/internal/domain"

	"github.com/sirupsen/logrus"
)

// StructuredLogger implementa domain.Logger sobre logrus
type StructuredLogger struct {
	logger *logrus.Logger
	fields logrus.Fields
}

type contextKey string

const (
	RequestIDKey   contextKey = "request_id"
	IPKey          contextKey = "ip"
	FingerprintKey contextKey = "fingerprint"
	UserAgentKey   contextKey = "user_agent"
)

const component = "adaptive_limiter"

// NewLogger cria o logger escrevendo em stdout
func NewLogger(level, format string) domain.Logger {
	return NewLoggerWithOutput(level, format, os.Stdout)
}

// NewLoggerWithOutput cria o logger escrevendo no destino informado.
// Nível inválido cai para info; formato diferente de json usa texto.
func NewLoggerWithOutput(level, format string, out io.Writer) domain.Logger {
	base := logrus.New()
	base.SetOutput(out)

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	base.SetLevel(logLevel)

	if strings.EqualFold(format, "json") {
		base.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "timestamp",
				logrus.FieldKeyMsg:  "message",
			},
		})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	fields := logrus.Fields{"component": component}
	if version := os.Getenv("APP_VERSION"); version != "" {
		fields["version"] = version
	}
	return &StructuredLogger{logger: base, fields: fields}
}

func (l *StructuredLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(logrus.DebugLevel, msg, fields, nil)
}

func (l *StructuredLogger) Info(msg string, fields map[string]interface{}) {
	l.log(logrus.InfoLevel, msg, fields, nil)
}

func (l *StructuredLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(logrus.WarnLevel, msg, fields, nil)
}

// Error anexa err.Error() no campo "error" sem alterar o mapa recebido
func (l *StructuredLogger) Error(msg string, err error, fields map[string]interface{}) {
	l.log(logrus.ErrorLevel, msg, fields, err)
}

// WithContext devolve um logger filho com request_id, ip, fingerprint e user_agent do contexto
func (l *StructuredLogger) WithContext(ctx context.Context) domain.Logger {
	return &StructuredLogger{
		logger: l.logger,
		fields: merge(l.fields, contextFields(ctx)),
	}
}

func (l *StructuredLogger) log(level logrus.Level, msg string, fields map[string]interface{}, err error) {
	if !l.logger.IsLevelEnabled(level) {
		return
	}

	entry := l.logger.WithFields(merge(l.fields, fields))
	if err != nil {
		entry = entry.WithField("error", err.Error())
	}
	entry.Log(level, msg)
}

// merge copia base e sobrepõe extra; nenhum dos dois é alterado
func merge(base logrus.Fields, extra map[string]interface{}) logrus.Fields {
	out := make(logrus.Fields, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func contextFields(ctx context.Context) logrus.Fields {
	fields := logrus.Fields{}
	if ctx == nil {
		return fields
	}

	for _, key := range []contextKey{RequestIDKey, IPKey, UserAgentKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields[string(key)] = v
		}
	}
	// Apenas o prefixo do fingerprint vai para os logs
	if fp, ok := ctx.Value(FingerprintKey).(string); ok && fp != "" {
		fields[string(FingerprintKey)] = ShortFingerprint(fp)
	}
	return fields
}

// LogDecision registra a decisão do limiter. Negações e fail-open saem em warn,
// liberações em debug.
func (l *StructuredLogger) LogDecision(result *domain.EvaluationResult, fields map[string]interface{}) {
	decision := merge(logrus.Fields{
		"event_type":   "decision",
		"ip":           result.ClientIP,
		"fingerprint":  ShortFingerprint(result.Fingerprint),
		"allowed":      result.Allowed,
		"outcome":      result.Outcome,
		"category":     result.Category,
		"remaining":    result.Remaining,
		"risk_level":   result.RiskLevel,
		"threat_score": result.ThreatScore,
	}, fields)
	if len(result.Indicators) > 0 {
		decision["indicators"] = result.Indicators
	}
	if result.RequestedCategory != "" && result.RequestedCategory != result.Category {
		decision["requested_category"] = result.RequestedCategory
	}

	switch result.Outcome {
	case domain.OutcomeDenyListed, domain.OutcomeQuotaExceeded:
		l.Warn("Request denied by limiter", decision)
	case domain.OutcomeStoreUnavailable:
		l.Warn("Limiter failed open", decision)
	default:
		l.Debug("Request allowed by limiter", decision)
	}
}

// LogConfigEvent registra recargas de configuração e de padrões
func (l *StructuredLogger) LogConfigEvent(eventType string, details map[string]interface{}) {
	l.Info("Configuration event", merge(logrus.Fields{"event_type": eventType}, details))
}

// ContextWithRequestInfo guarda os dados da requisição para WithContext
func ContextWithRequestInfo(ctx context.Context, requestID, ip, fingerprint, userAgent string) context.Context {
	ctx = context.WithValue(ctx, RequestIDKey, requestID)
	ctx = context.WithValue(ctx, IPKey, ip)
	if fingerprint != "" {
		ctx = context.WithValue(ctx, FingerprintKey, fingerprint)
	}
	return context.WithValue(ctx, UserAgentKey, userAgent)
}

// GetRequestID extrai o request ID do contexto
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// ShortFingerprint reduz o fingerprint a 12 caracteres
func ShortFingerprint(fp string) string {
	if len(fp) <= 12 {
		return fp
	}
	return fp[:12]
}

// NopLogger descarta tudo
type NopLogger struct{}

func (NopLogger) Debug(string, map[string]interface{})        {}
func (NopLogger) Info(string, map[string]interface{})         {}
func (NopLogger) Warn(string, map[string]interface{})         {}
func (NopLogger) Error(string, error, map[string]interface{}) {}
func (n NopLogger) WithContext(context.Context) domain.Logger  { return n }
