// Package channels defines the collaborator boundary towards chat channel
// adapters. The wire protocols live outside this repository; the host only
// needs a way to push text and files to a chat identifier.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Errors.
var (
	ErrUnknownChannel = fmt.Errorf("unknown channel")
	ErrSendFailed     = fmt.Errorf("failed to send message")
)

// Sender delivers outbound content to a chat.
type Sender interface {
	// Name returns the channel identifier (e.g. "whatsapp", "matrix").
	Name() string

	// Send delivers a text message to the chat.
	Send(ctx context.Context, chatID, text string) error

	// SendFile delivers a file by path, with an optional caption.
	SendFile(ctx context.Context, chatID, path, caption string) error
}

// Manager routes outbound deliveries to registered senders by channel name.
type Manager struct {
	senders map[string]Sender
	logger  *slog.Logger
	mu      sync.RWMutex
}

// NewManager creates an empty channel manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		senders: make(map[string]Sender),
		logger:  logger.With("component", "channels"),
	}
}

// Register adds a sender. Registering the same name twice is an error.
func (m *Manager) Register(s Sender) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.senders[s.Name()]; exists {
		return fmt.Errorf("channel %q already registered", s.Name())
	}
	m.senders[s.Name()] = s
	m.logger.Info("channel registered", "channel", s.Name())
	return nil
}

// Send routes a text message to the named channel.
func (m *Manager) Send(ctx context.Context, channel, chatID, text string) error {
	s, err := m.get(channel)
	if err != nil {
		return err
	}
	return s.Send(ctx, chatID, text)
}

// SendFile routes a file delivery to the named channel.
func (m *Manager) SendFile(ctx context.Context, channel, chatID, path, caption string) error {
	s, err := m.get(channel)
	if err != nil {
		return err
	}
	return s.SendFile(ctx, chatID, path, caption)
}

func (m *Manager) get(channel string) (Sender, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.senders[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	return s, nil
}

// LogSender is a Sender that only logs deliveries. Used when no real
// adapter is wired, and in tests.
type LogSender struct {
	ChannelName string
	Logger      *slog.Logger
}

// Name implements Sender.
func (l *LogSender) Name() string { return l.ChannelName }

// Send implements Sender.
func (l *LogSender) Send(_ context.Context, chatID, text string) error {
	l.logger().Info("outbound message", "channel", l.ChannelName, "chat_id", chatID, "len", len(text))
	return nil
}

// SendFile implements Sender.
func (l *LogSender) SendFile(_ context.Context, chatID, path, caption string) error {
	l.logger().Info("outbound file", "channel", l.ChannelName, "chat_id", chatID, "path", path, "caption", caption)
	return nil
}

func (l *LogSender) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}
