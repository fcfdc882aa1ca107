package notify

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/basket/bgtaskd/internal/bgmode"
)

// DefaultLocale is used when no locale is configured or a lookup misses.
const DefaultLocale = "en-US"

// Prompt keys, one per mode plus the car-key refinement.
const (
	promptCarKey = "prompt.bluetoothCarKey"
)

func promptKey(m bgmode.Mode) string {
	return "prompt." + m.String()
}

var builtinPrompts = map[string]string{
	"prompt.dataTransfer":          "Transferring data in the background",
	"prompt.audioPlayback":         "Playing audio in the background",
	"prompt.audioRecording":        "Recording audio in the background",
	"prompt.location":              "Using your location in the background",
	"prompt.bluetoothInteraction":  "Connected to a Bluetooth device",
	"prompt.multiDeviceConnection": "Connected to another device",
	"prompt.wifiInteraction":       "Using Wi-Fi in the background",
	"prompt.voip":                  "In a call",
	"prompt.taskKeeping":           "Running in the background",
	"prompt.workout":               "Tracking your workout",
	promptCarKey:                   "Connected to your car key",
}

// StringTable resolves localized notification prompts. The built-in en-US
// table is always present; per-locale overlays come from yaml files in the
// configured strings directory, one file per locale tag.
type StringTable struct {
	locales map[string]map[string]string
}

// NewStringTable returns a table holding only the built-in locale.
func NewStringTable() *StringTable {
	return &StringTable{locales: map[string]map[string]string{DefaultLocale: builtinPrompts}}
}

// LoadDir overlays every "<locale>.yaml" file found in dir. A missing dir is
// not an error.
func (t *StringTable) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read strings dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		locale := e.Name()[:len(e.Name())-len(".yaml")]
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("read strings file %s: %w", e.Name(), err)
		}
		table := make(map[string]string)
		if err := yaml.Unmarshal(data, &table); err != nil {
			return fmt.Errorf("parse strings file %s: %w", e.Name(), err)
		}
		t.locales[locale] = table
	}
	return nil
}

// Lookup resolves key in locale, falling back to the built-in locale.
// ok is false when the key is unknown everywhere.
func (t *StringTable) Lookup(locale, key string) (string, bool) {
	if table, ok := t.locales[locale]; ok {
		if s, ok := table[key]; ok {
			return s, true
		}
	}
	s, ok := t.locales[DefaultLocale][key]
	return s, ok
}

// Locales returns the loaded locale tags.
func (t *StringTable) Locales() []string {
	out := make([]string, 0, len(t.locales))
	for tag := range t.locales {
		out = append(out, tag)
	}
	return out
}
