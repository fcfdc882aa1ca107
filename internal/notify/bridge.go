// Package notify turns a task record into notification actions. Rendering is
// outside the broker: the bridge produces a Plan and a Notifier carries it
// out against whatever notification service is wired in.
package notify

import (
	"fmt"
	"strings"

	"github.com/basket/bgtaskd/internal/bgmode"
	"github.com/basket/bgtaskd/internal/bgtask"
	"github.com/basket/bgtaskd/internal/record"
)

// Notifier publishes and cancels task notifications.
type Notifier interface {
	Publish(label string, id int32, uid int32, title, text string) error
	Cancel(label string, id int32) error
}

// Action is the outcome of planning a notification update.
type Action int

const (
	// ActionNone leaves the current notification untouched.
	ActionNone Action = iota
	// ActionPublish publishes or replaces the notification with Plan.Text.
	ActionPublish
	// ActionCancel retracts the existing notification.
	ActionCancel
)

// Plan is the computed notification update for a record.
type Plan struct {
	Action Action
	Text   string
}

// Options carry per-call context the text rules depend on.
type Options struct {
	// AVPublished is true when a media session notification is already live
	// for the record's uid.
	AVPublished bool
	// SystemApp is true when the record belongs to a system application.
	SystemApp bool
}

// Bridge computes notification text from task records.
type Bridge struct {
	Strings *StringTable
	Locale  string
}

// MakeLabel builds the stable notification label for a record.
func MakeLabel(uid int32, taskID int32) string {
	return fmt.Sprintf("bgmode_%d_%d", uid, taskID)
}

// PlanFor decides what to do with the record's notification. Webview and
// inner records carry no notification and always plan ActionNone.
func (b *Bridge) PlanFor(rec *record.ContinuousTaskRecord, opts Options) (Plan, error) {
	if rec.FromWebview || rec.FromInner {
		return Plan{Action: ActionNone}, nil
	}
	text, err := b.ComputeText(rec, opts)
	if err != nil {
		return Plan{}, err
	}
	if text == "" {
		// A lone audio playback task yielding no text means a media session
		// notification already represents it. Leave whatever exists alone.
		if len(rec.Modes) == 1 && rec.HasMode(bgmode.AudioPlayback) && opts.AVPublished {
			return Plan{Action: ActionNone}, nil
		}
		if rec.NotificationID != record.NoNotification {
			return Plan{Action: ActionCancel}, nil
		}
		return Plan{Action: ActionNone}, nil
	}
	return Plan{Action: ActionPublish, Text: text}, nil
}

// ComputeText resolves the notification body for the record's mode list,
// preserving mode order and joining one line per mode.
func (b *Bridge) ComputeText(rec *record.ContinuousTaskRecord, opts Options) (string, error) {
	var lines []string
	for _, raw := range rec.Modes {
		mode := bgmode.Mode(raw)
		switch mode {
		case bgmode.AudioPlayback:
			if opts.AVPublished {
				continue
			}
		case bgmode.VoIP, bgmode.AudioRecording:
			if opts.SystemApp {
				continue
			}
		}
		key := promptKey(mode)
		if mode == bgmode.BluetoothInteraction && bgmode.ContainsValue(rec.SubModes, bgmode.SubModeCarKey) {
			key = promptCarKey
		}
		line, ok := b.Strings.Lookup(b.Locale, key)
		if !ok {
			return "", fmt.Errorf("resolve prompt %s: %w", key, bgtask.ErrNotificationFailed)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

// Title returns the notification title for a record.
func (b *Bridge) Title(rec *record.ContinuousTaskRecord) string {
	if rec.AppName != "" {
		return rec.AppName
	}
	return rec.Bundle
}
