// Package source turns the document references a host hands us into files
// the render backend can read.
package source

import (
	"errors"
	"strings"
)

// ErrSourceUnavailable is returned when a source cannot be opened or a read
// fails partway through copying it.
var ErrSourceUnavailable = errors.New("source unavailable")

// Kind tags how a Source is fetched.
type Kind int

const (
	// LocalPath is a file already on local disk; it is never copied.
	LocalPath Kind = iota
	// Remote is an http or https location.
	Remote
	// ProviderRef is an opaque content-provider reference (content://authority/...).
	ProviderRef
)

func (k Kind) String() string {
	switch k {
	case Remote:
		return "remote"
	case ProviderRef:
		return "provider"
	default:
		return "local"
	}
}

// Source is an immutable document reference.
type Source struct {
	Kind Kind
	Ref  string
}

const (
	fileScheme    = "file://"
	contentScheme = "content://"
)

// Parse classifies a host-supplied reference. http:// and https:// are
// remote, content:// is provider-backed, and everything else is a local path
// with any file:// prefix stripped.
func Parse(ref string) Source {
	lower := strings.ToLower(ref)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return Source{Kind: Remote, Ref: ref}
	case strings.HasPrefix(lower, contentScheme):
		return Source{Kind: ProviderRef, Ref: ref}
	case strings.HasPrefix(lower, fileScheme):
		return Source{Kind: LocalPath, Ref: ref[len(fileScheme):]}
	default:
		return Source{Kind: LocalPath, Ref: ref}
	}
}

// Authority returns the provider authority of a content:// reference, or ""
// for other kinds.
func (s Source) Authority() string {
	if s.Kind != ProviderRef {
		return ""
	}
	rest := s.Ref[len(contentScheme):]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i]
	}
	return rest
}

func (s Source) String() string {
	return s.Kind.String() + ":" + s.Ref
}
