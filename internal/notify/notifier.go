package notify

import (
	"log/slog"
	"sync"
)

// Posted is one live notification as tracked by the log notifier.
type Posted struct {
	Label string `json:"label"`
	ID    int32  `json:"id"`
	UID   int32  `json:"uid"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

// LogNotifier is the in-process notification backend. It keeps the live set
// so the diagnostic surface can show what a device's notification panel
// would, and writes every transition to the structured log.
type LogNotifier struct {
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]Posted
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{
		logger: logger.With("component", "notify"),
		active: make(map[string]Posted),
	}
}

// Publish records the notification, replacing any previous content under the
// same label.
func (n *LogNotifier) Publish(label string, id, uid int32, title, text string) error {
	n.mu.Lock()
	n.active[label] = Posted{Label: label, ID: id, UID: uid, Title: title, Text: text}
	n.mu.Unlock()
	n.logger.Info("notification published", "label", label, "id", id, "uid", uid, "title", title)
	return nil
}

// Cancel retracts the notification with label.
func (n *LogNotifier) Cancel(label string, id int32) error {
	n.mu.Lock()
	delete(n.active, label)
	n.mu.Unlock()
	n.logger.Info("notification canceled", "label", label, "id", id)
	return nil
}

// Active returns a snapshot of the live notifications.
func (n *LogNotifier) Active() []Posted {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Posted, 0, len(n.active))
	for _, p := range n.active {
		out = append(out, p)
	}
	return out
}
