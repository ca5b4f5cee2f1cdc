package trellis

import (
	"os"
	"path/filepath"
)

// InputResolver turns a host input reference into an upload payload. The
// default resolver reads files from disk; embedding hosts substitute their
// own (an image datablock, an exported mesh buffer).
type InputResolver interface {
	Resolve(ref string) (name string, data []byte, err error)
}

// FileResolver resolves input references as filesystem paths.
type FileResolver struct{}

// Resolve reads the file at ref and returns its base name and contents.
func (FileResolver) Resolve(ref string) (string, []byte, error) {
	data, err := os.ReadFile(ref)
	if err != nil {
		return "", nil, err
	}
	return filepath.Base(ref), data, nil
}

// Notifier receives short human-readable status messages as jobs move
// through their lifecycle. Implementations must not block; notifications
// are fired from the poll tick.
type Notifier interface {
	Notify(message string)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(string) {}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(message string)

// Notify implements Notifier.
func (f NotifierFunc) Notify(message string) { f(message) }
