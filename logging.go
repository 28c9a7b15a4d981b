package sockrouter

import "github.com/rs/zerolog"

// routerLogger wraps the router's optional debug-logging sink. A Router
// with no logger configured uses a disabled zerolog.Logger so log calls
// are free no-ops rather than nil-checks scattered through the dispatch
// path.
type routerLogger struct {
	log zerolog.Logger
}

func newRouterLogger(l *zerolog.Logger) routerLogger {
	if l == nil {
		disabled := zerolog.Nop()
		return routerLogger{log: disabled}
	}
	return routerLogger{log: *l}
}

func (rl routerLogger) dispatchFailure(msgType string, err error) {
	rl.log.Error().Str("type", msgType).Err(err).Msg("handler failed")
}

func (rl routerLogger) limitExceeded(info LimitExceededInfo) {
	ev := rl.log.Warn().Str("type", info.MessageType).Int("observedBytes", info.ObservedBytes).Int("limitBytes", info.LimitBytes)
	if info.CorrelationID != "" {
		ev = ev.Str("correlationId", info.CorrelationID)
	}
	ev.Msg("limit exceeded")
}

func (rl routerLogger) warnIncompleteRPC(msgType, correlationID string) {
	rl.log.Warn().
		Str("type", msgType).
		Str("correlationId", correlationID).
		Bool("disableIncompleteRPCWarningToSilence", true).
		Msg("rpc handler returned without a terminal response")
}

func (rl routerLogger) topicAdapterError(topic string, err error) {
	rl.log.Error().Str("topic", topic).Err(err).Msg("topic adapter error")
}
