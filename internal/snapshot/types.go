// Package snapshot saves and restores the state of virtual files for
// backtracking.
package snapshot

import (
	"backfs/internal/overlay"
)

// State is the saved field values of every open virtual file, keyed by the
// host's name for the file.
type State struct {
	// Files maps a file key to its record at the time of the snapshot.
	Files map[string]overlay.Record `json:"files"`

	// Version for future compatibility
	Version int `json:"version"`
}

// StateVersion is the current frame format version.
const StateVersion = 1

// Capture copies the records of files into a State. The records keep no
// link to the State, so later writes do not affect it.
func Capture(files map[string]*overlay.Record) State {
	state := State{
		Files:   make(map[string]overlay.Record, len(files)),
		Version: StateVersion,
	}
	for key, rec := range files {
		state.Files[key] = *rec
	}
	return state
}

// Restore reinstates the captured records into files. Records present in
// the state are overwritten in place, so pointers held by open handles see
// the restored values; records opened after the snapshot are removed.
func (s State) Restore(files map[string]*overlay.Record) {
	for key, rec := range files {
		saved, ok := s.Files[key]
		if !ok {
			delete(files, key)
			continue
		}
		*rec = saved
	}
	for key, saved := range s.Files {
		if _, ok := files[key]; !ok {
			rec := saved
			files[key] = &rec
		}
	}
}
