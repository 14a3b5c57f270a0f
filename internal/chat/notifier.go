package chat

import "github.com/rs/zerolog"

// Notifier shows short user-facing notices.
type Notifier interface {
	Success(msg string)
	Info(msg string)
	Warning(msg string)
	Error(msg string)
}

// LogNotifier writes notices to a logger.
type LogNotifier struct {
	log *zerolog.Logger
}

// NewLogNotifier returns a notifier backed by logger.
func NewLogNotifier(logger *zerolog.Logger) *LogNotifier {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "notice").Logger()
	return &LogNotifier{log: &l}
}

func (n *LogNotifier) Success(msg string) { n.log.Info().Str("kind", "success").Msg(msg) }
func (n *LogNotifier) Info(msg string)    { n.log.Info().Str("kind", "info").Msg(msg) }
func (n *LogNotifier) Warning(msg string) { n.log.Warn().Msg(msg) }
func (n *LogNotifier) Error(msg string)   { n.log.Error().Msg(msg) }
