/*Package logger provides context-scoped structured logging.

Every request, inbound device message and websocket frame gets a logger
with a correlation id. The logger travels in the context; asynchronous
hops (the internal broker) serialize the relevant fields into the message
envelope and restore them on the consuming side.
*/
package logger

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type contextLoggerValues struct {
	CorrelationID string `json:"correlationID"`
	Identity      string `json:"identity"`
}

// Type for the context keys
type contextKeyLoggerType struct{}

var contextKeyLogger = &contextKeyLoggerType{}

const (
	correlationIDLoggerKey string = "correlationID"
	identityLoggerKey      string = "identity"
)

// InitLogger sets up the custom time formatter for all log statements.
func InitLogger(logLevel logrus.Level) {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = "2006-01-02 15:04:05"
	customFormatter.FullTimestamp = true
	logrus.SetFormatter(customFormatter)
	logrus.SetLevel(logLevel)
}

// AddCorrelationID adds a logger with a new correlation ID to every request
// that does not carry one yet.
func AddCorrelationID(router *mux.Router) {
	middleware := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, _ := ContextWithLogger(r.Context())
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
	router.Use(middleware)
}

// Default returns a logger without a correlation ID.
func Default() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

// ContextWithLogger returns a new context with a logger if the given context has
// no logger yet. If the context already has a logger the given context is returned.
func ContextWithLogger(ctx context.Context) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	} else {
		rlog := loggerFromContext(ctx)
		if rlog != nil {
			return ctx, rlog
		}
	}
	id, _ := uuid.NewUUID()
	rlog := logrus.WithField(correlationIDLoggerKey, id.String())
	return context.WithValue(ctx, contextKeyLogger, rlog), rlog
}

// ContextWithCorrelationID returns a new context with a logger carrying the
// given correlation ID. An existing logger in the context is kept as-is.
func ContextWithCorrelationID(ctx context.Context, correlationID string) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	}
	rlog := loggerFromContext(ctx)
	if rlog != nil {
		return ctx, rlog
	}
	if len(correlationID) == 0 {
		return ContextWithLogger(ctx)
	}
	rlog = logrus.WithField(correlationIDLoggerKey, correlationID)
	return context.WithValue(ctx, contextKeyLogger, rlog), rlog
}

func loggerFromContext(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return nil
	}
	rlog, ok := ctx.Value(contextKeyLogger).(*logrus.Entry)
	if !ok {
		return nil
	}
	return rlog
}

// FromContext returns the logger from the context. If the context does not have
// a logger a new logger is returned. If the provided context is nil, the default
// logger will be returned.
func FromContext(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	rlog := loggerFromContext(ctx)
	if rlog == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return rlog
}

// ContextWithLoggerIdentity returns a new context with a logger and identity.
func ContextWithLoggerIdentity(ctx context.Context, identity string) (context.Context, *logrus.Entry) {
	var rlog *logrus.Entry
	ctx, rlog = ContextWithLogger(ctx)
	if rlog == nil {
		return ctx, rlog
	}
	rlog = rlog.WithField(identityLoggerKey, identity)
	ctx = context.WithValue(ctx, contextKeyLogger, rlog)
	return ctx, rlog
}

// SerializeLoggerContext extracts the logger from the context and returns a json
// representation of the relevant fields, for transfer across asynchronous hops.
func SerializeLoggerContext(ctx context.Context) []byte {
	ctxValues := loggerValues(ctx)
	if ctxValues.CorrelationID == "" {
		return []byte("{}")
	}
	res, err := json.Marshal(ctxValues)
	if err != nil {
		return []byte("{}")
	}
	return res
}

// ContextWithLoggerFromData returns a context with a logger. If the context does
// not have a logger yet, the logger is constructed from the provided serialized
// data. If the construction fails because of invalid data a new logger is created
// and added to the context.
func ContextWithLoggerFromData(ctx context.Context, data []byte) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	rlog := loggerFromContext(ctx)
	if rlog != nil {
		return ctx
	}

	var ok bool
	ctx, ok = deserializeLoggerContext(ctx, data)
	if !ok {
		ctx, _ = ContextWithLogger(ctx)
	}
	return ctx
}

// CorrelationIDFromContext returns the correlation id for the given context.
func CorrelationIDFromContext(ctx context.Context) string {
	return loggerValues(ctx).CorrelationID
}

func loggerValues(ctx context.Context) contextLoggerValues {
	var ctxValues contextLoggerValues
	if ctx == nil {
		return ctxValues
	}
	rlog, ok := ctx.Value(contextKeyLogger).(*logrus.Entry)
	if !ok {
		return ctxValues
	}
	if rlog.Data[correlationIDLoggerKey] != nil {
		if s, ok := rlog.Data[correlationIDLoggerKey].(string); ok {
			ctxValues.CorrelationID = s
		}
	}
	if rlog.Data[identityLoggerKey] != nil {
		if s, ok := rlog.Data[identityLoggerKey].(string); ok {
			ctxValues.Identity = s
		}
	}
	return ctxValues
}

func deserializeLoggerContext(ctx context.Context, data []byte) (context.Context, bool) {
	var ctxValues contextLoggerValues
	err := json.Unmarshal(data, &ctxValues)
	if err != nil || len(ctxValues.CorrelationID) < 1 {
		return ctx, false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rlog := logrus.WithField(correlationIDLoggerKey, ctxValues.CorrelationID)
	if len(ctxValues.Identity) > 0 {
		rlog = rlog.WithField(identityLoggerKey, ctxValues.Identity)
	}
	return context.WithValue(ctx, contextKeyLogger, rlog), true
}
