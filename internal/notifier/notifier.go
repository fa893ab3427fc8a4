package notifier

// TextNotifier defines a minimal text notification interface so components
// can depend on it without importing concrete implementations.
type TextNotifier interface {
	SendText(text string) error
}

// Nop discards notifications; used when no channel is configured.
type Nop struct{}

func (Nop) SendText(string) error { return nil }
