package notification

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Config describes one notification request, typically taken from the params
// of a "notify" action.
type Config struct {
	Channel    string                 `mapstructure:"channel" json:"channel" yaml:"channel"`
	Recipients []string               `mapstructure:"recipients" json:"recipients" yaml:"recipients"`
	Subject    string                 `mapstructure:"subject" json:"subject,omitempty" yaml:"subject,omitempty"`
	Message    string                 `mapstructure:"message" json:"message,omitempty" yaml:"message,omitempty"`
	Template   string                 `mapstructure:"template" json:"template,omitempty" yaml:"template,omitempty"`
	Data       map[string]interface{} `mapstructure:"data" json:"data,omitempty" yaml:"data,omitempty"`
}

// Message is a rendered notification handed to a Handler.
type Message struct {
	Channel    string
	Recipients []string
	Subject    string
	Body       string
	Data       map[string]interface{}
}

// Handler delivers messages for one or more channels.
type Handler interface {
	Supports(channel string) bool
	Send(ctx context.Context, msg Message) error
}

// HandlerFunc adapts a function to Handler. It only serves the channel it is
// registered under.
type HandlerFunc func(ctx context.Context, msg Message) error

// Supports implements Handler.
func (f HandlerFunc) Supports(string) bool { return false }

// Send implements Handler.
func (f HandlerFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// LogHandler writes messages to a zap logger. With no channels configured it
// accepts every channel.
type LogHandler struct {
	logger   *zap.Logger
	channels map[string]struct{}
}

// NewLogHandler creates a LogHandler.
func NewLogHandler(logger *zap.Logger, channels ...string) *LogHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &LogHandler{logger: logger, channels: make(map[string]struct{}, len(channels))}
	for _, c := range channels {
		h.channels[c] = struct{}{}
	}
	return h
}

func (h *LogHandler) Supports(channel string) bool {
	if len(h.channels) == 0 {
		return true
	}
	_, ok := h.channels[channel]
	return ok
}

func (h *LogHandler) Send(ctx context.Context, msg Message) error {
	h.logger.Info("Notification",
		zap.String("channel", msg.Channel),
		zap.Strings("recipients", msg.Recipients),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body))
	return nil
}

// Service dispatches notifications to registered handlers. Delivery is best
// effort: failures are logged and never returned.
type Service struct {
	handlers  map[string]Handler
	order     []string
	templates map[string]string
	logger    *zap.Logger
	mu        sync.RWMutex
}

// NewService creates a notification service.
func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		handlers:  make(map[string]Handler),
		templates: make(map[string]string),
		logger:    logger,
	}
}

// RegisterHandler registers handler for channel, replacing any previous one.
func (s *Service) RegisterHandler(channel string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[channel]; !ok {
		s.order = append(s.order, channel)
	}
	s.handlers[channel] = handler
}

// RegisterTemplate stores a named template usable as Config.Template.
func (s *Service) RegisterTemplate(name, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[name] = text
}

// handlerFor prefers the exact registration, then the first handler, in
// registration order, that supports channel.
func (s *Service) handlerFor(channel string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h, ok := s.handlers[channel]; ok {
		return h, true
	}
	for _, name := range s.order {
		if h := s.handlers[name]; h.Supports(channel) {
			return h, true
		}
	}
	return nil, false
}

func (s *Service) template(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	text, ok := s.templates[name]
	return text, ok
}

// Send renders cfg against vars merged with cfg.Data and delivers it. A
// missing handler or a delivery error is logged.
func (s *Service) Send(ctx context.Context, cfg Config, vars map[string]interface{}) {
	msg := s.Build(cfg, vars)
	handler, ok := s.handlerFor(cfg.Channel)
	if !ok {
		s.logger.Warn("No notification handler for channel",
			zap.String("channel", cfg.Channel),
			zap.Strings("recipients", cfg.Recipients))
		return
	}
	if err := s.deliver(ctx, handler, msg); err != nil {
		s.logger.Error("Notification delivery failed",
			zap.String("channel", cfg.Channel),
			zap.Strings("recipients", cfg.Recipients),
			zap.Error(err))
		return
	}
	s.logger.Debug("Notification sent",
		zap.String("channel", cfg.Channel),
		zap.Int("recipients", len(cfg.Recipients)))
}

func (s *Service) deliver(ctx context.Context, handler Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Send(ctx, msg)
}

// Build renders cfg into a Message without sending it. The body comes from
// the named template if one is registered, else Template itself, else
// Message.
func (s *Service) Build(cfg Config, vars map[string]interface{}) Message {
	data := make(map[string]interface{}, len(vars)+len(cfg.Data))
	for k, v := range vars {
		data[k] = v
	}
	for k, v := range cfg.Data {
		data[k] = v
	}

	body := cfg.Message
	if cfg.Template != "" {
		if text, ok := s.template(cfg.Template); ok {
			body = text
		} else {
			body = cfg.Template
		}
	}

	return Message{
		Channel:    cfg.Channel,
		Recipients: append([]string(nil), cfg.Recipients...),
		Subject:    Render(cfg.Subject, data),
		Body:       Render(body, data),
		Data:       data,
	}
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Render replaces {{key}} placeholders with values from data. Dotted keys
// descend into nested maps. Unresolved placeholders are left verbatim.
func Render(text string, data map[string]interface{}) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	return placeholder.ReplaceAllStringFunc(text, func(match string) string {
		key := placeholder.FindStringSubmatch(match)[1]
		v, ok := lookup(data, key)
		if !ok {
			return match
		}
		return fmt.Sprint(v)
	})
}

func lookup(data map[string]interface{}, key string) (interface{}, bool) {
	if v, ok := data[key]; ok {
		return v, v != nil
	}
	parts := strings.Split(key, ".")
	var cur interface{} = data
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if cur, ok = m[p]; !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}
