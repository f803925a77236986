package engine

import (
	"errors"
	"os"
)

// ShutdownMarker is a file whose presence asks the loop to stop after the
// current iteration.
type ShutdownMarker struct {
	path string
}

func NewShutdownMarker(path string) ShutdownMarker {
	return ShutdownMarker{path: path}
}

func (m ShutdownMarker) Requested() bool {
	if m.path == "" {
		return false
	}
	_, err := os.Stat(m.path)
	return err == nil
}

// Clear removes the marker. A missing marker is not an error.
func (m ShutdownMarker) Clear() error {
	if m.path == "" {
		return nil
	}
	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
