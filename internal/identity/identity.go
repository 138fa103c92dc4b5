// Package identity defines the logical program identity that rules and
// connection events are attributed to.
package identity

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Kind discriminates the identity variants.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindSystem
	KindService
	KindApp
	KindProgram
	KindGlobal
)

var kindNames = map[Kind]string{
	KindSystem:  "system",
	KindService: "service",
	KindApp:     "app",
	KindProgram: "program",
	KindGlobal:  "global",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "invalid"
}

// ErrInvalid is returned when an identity key cannot be parsed.
var ErrInvalid = errors.New("invalid program identity")

// ID is a comparable program identity usable as a map key.
//
// Tag carries the service name for KindService and the package SID for
// KindApp. Path is the executable path for Service, App and Program.
type ID struct {
	Kind Kind
	Tag  string
	Path string
}

// System is the identity of kernel-originated traffic.
func System() ID { return ID{Kind: KindSystem} }

// Global is the identity owning rules that apply to every program.
func Global() ID { return ID{Kind: KindGlobal} }

// Service identifies one service inside a shared host binary.
func Service(tag, path string) ID { return ID{Kind: KindService, Tag: tag, Path: path} }

// App identifies a packaged application.
func App(sid, path string) ID { return ID{Kind: KindApp, Tag: sid, Path: path} }

// Program identifies a plain executable.
func Program(path string) ID { return ID{Kind: KindProgram, Path: path} }

// IsValid reports whether the identity has a known kind.
func (id ID) IsValid() bool {
	_, ok := kindNames[id.Kind]
	return ok
}

// Name returns a short human readable name.
func (id ID) Name() string {
	switch id.Kind {
	case KindSystem:
		return "System"
	case KindGlobal:
		return "All Processes"
	case KindService, KindApp:
		return id.Tag
	case KindProgram:
		return filepath.Base(id.Path)
	}
	return ""
}

// String returns the canonical key, e.g. "service:cron@/usr/sbin/cron".
func (id ID) String() string {
	switch id.Kind {
	case KindSystem, KindGlobal:
		return id.Kind.String()
	case KindService, KindApp:
		return id.Kind.String() + ":" + id.Tag + "@" + id.Path
	case KindProgram:
		return id.Kind.String() + ":" + id.Path
	}
	return "invalid"
}

// Parse is the inverse of String.
func Parse(s string) (ID, error) {
	kind, rest, _ := strings.Cut(s, ":")
	switch kind {
	case "system":
		return System(), nil
	case "global":
		return Global(), nil
	case "program":
		if rest == "" {
			return ID{}, fmt.Errorf("%w: %q has no path", ErrInvalid, s)
		}
		return Program(rest), nil
	case "service", "app":
		tag, path, ok := strings.Cut(rest, "@")
		if !ok || tag == "" {
			return ID{}, fmt.Errorf("%w: %q", ErrInvalid, s)
		}
		if kind == "service" {
			return Service(tag, path), nil
		}
		return App(tag, path), nil
	}
	return ID{}, fmt.Errorf("%w: %q", ErrInvalid, s)
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	if !id.IsValid() {
		return nil, ErrInvalid
	}
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// SameTag reports whether two service identities name the same service,
// ignoring the host path.
func (id ID) SameTag(other ID) bool {
	return id.Kind == KindService && other.Kind == KindService && strings.EqualFold(id.Tag, other.Tag)
}
