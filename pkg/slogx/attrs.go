// Package slogx holds the slog attribute helpers shared by the server, the
// runner and the CLI so that log keys stay consistent across packages.
package slogx

import (
	"fmt"
	"log/slog"
)

const (
	// KeyLoggerName is the key for the component that emitted a record.
	KeyLoggerName = "logger"
	// KeySpell is the key for a spell name.
	KeySpell = "spell"
	// KeyProject is the key for a project id.
	KeyProject = "project_id"
)

// Error returns a slog.Attr representing the provided error.
// The attribute key is "error" and the value is the error's message.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.String("error", err.Error())
}

// ByteString creates a slog.Attr with the given key and a string
// representation of the byte slice value.
func ByteString(key string, value []byte) slog.Attr {
	return slog.String(key, string(value))
}

// Stringer creates a slog.Attr with the string form of value.
func Stringer(key string, value fmt.Stringer) slog.Attr {
	return slog.String(key, value.String())
}

// LoggerName creates a slog.Attr with the provided logger name.
func LoggerName(name string) slog.Attr {
	return slog.String(KeyLoggerName, name)
}

// Spell identifies a spell document in log records.
func Spell(projectID, name string) slog.Attr {
	return slog.Group(KeySpell, slog.String("name", name), slog.String(KeyProject, projectID))
}

// Project creates a slog.Attr for a project id.
func Project(projectID string) slog.Attr {
	return slog.String(KeyProject, projectID)
}
