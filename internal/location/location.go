// Package location resolves local files to their remote destinations.
//
// A watch item carries a destination spec, which is one of four forms:
//
//	Literal("home")                          // server name, default filename
//	Object{Filename: "lib.js", Server: "n00dles"}
//	List{Literal("home"), Object{...}}       // several destinations
//	Computed(func(file string) Spec { ... }) // decided per file, nil skips it
//
// Resolve evaluates a spec for one file and returns the ordered list of
// destinations. The result depends only on the spec and the file path.
package location

import (
	"path"
	"strings"
)

// DefaultServer is the server used when a destination omits one.
const DefaultServer = "home"

// ScriptExtension is the extension transformed modules are uploaded with.
const ScriptExtension = ".js"

// Destination is one resolved remote target of a local file.
type Destination struct {
	Filename string `json:"filename"`
	Server   string `json:"server"`
}

// Spec is a destination spec. The concrete types are Literal, Object, List
// and Computed.
type Spec interface {
	isSpec()
}

// Literal names a server; the filename is derived from the local path.
type Literal string

// Object overrides the filename, the server, or both. Empty fields take the
// default filename and DefaultServer.
type Object struct {
	Filename string
	Server   string
}

// List resolves to the destinations of every element, in order.
type List []Spec

// Computed decides the spec per file. Returning nil leaves the file unsynced.
type Computed func(file string) Spec

func (Literal) isSpec()  {}
func (Object) isSpec()   {}
func (List) isSpec()     {}
func (Computed) isSpec() {}

// WatchItem declares one class of watched files.
type WatchItem struct {
	// Pattern is a glob relative to the project root.
	Pattern string
	// Transform runs matching files through the transformer before upload.
	Transform bool
	// Location is the destination spec. Nil means Literal(DefaultServer).
	Location Spec
}

// Resolve computes the destinations of file under item's destination spec.
func Resolve(item WatchItem, file string) []Destination {
	defaultFilename := DefaultUploadLocation(file)

	spec := item.Location
	if spec == nil {
		spec = Literal(DefaultServer)
	}
	if fn, ok := spec.(Computed); ok {
		spec = fn(file)
		if spec == nil {
			return []Destination{}
		}
	}

	dests := make([]Destination, 0, 1)
	for _, s := range flatten(spec) {
		d := Destination{Filename: defaultFilename, Server: DefaultServer}
		switch v := s.(type) {
		case Literal:
			d.Server = string(v)
		case Object:
			if v.Filename != "" {
				d.Filename = v.Filename
			}
			if v.Server != "" {
				d.Server = v.Server
			}
		default:
			continue
		}
		d.Filename = FixStartingSlash(d.Filename)
		dests = append(dests, d)
	}
	return dests
}

func flatten(spec Spec) []Spec {
	list, ok := spec.(List)
	if !ok {
		return []Spec{spec}
	}
	var out []Spec
	for _, s := range list {
		if s == nil {
			continue
		}
		out = append(out, flatten(s)...)
	}
	return out
}

var transformedExts = []string{".ts", ".tsx", ".mts", ".jsx"}

// DefaultUploadLocation strips a leading "src/" and gives transformed source
// extensions the script extension: "src/foo/bar.ts" becomes "foo/bar.js".
// Other extensions are kept.
func DefaultUploadLocation(file string) string {
	file = strings.TrimPrefix(file, "src/")
	ext := path.Ext(file)
	for _, e := range transformedExts {
		if ext == e {
			return strings.TrimSuffix(file, ext) + ScriptExtension
		}
	}
	return file
}

// FixStartingSlash puts a filename in the canonical remote form: files at the
// destination root carry no leading slash, nested files always carry one.
//
//	"template.js"     -> "template.js"
//	"/template.js"    -> "template.js"
//	"lib/template.js" -> "/lib/template.js"
func FixStartingSlash(filename string) string {
	filename = RemoveStartingSlash(filename)
	if strings.Contains(filename, "/") {
		return "/" + filename
	}
	return filename
}

// ForceStartingSlash prefixes filename with "/" unless it already has one.
func ForceStartingSlash(filename string) string {
	if strings.HasPrefix(filename, "/") {
		return filename
	}
	return "/" + filename
}

// RemoveStartingSlash strips every leading "/".
func RemoveStartingSlash(filename string) string {
	return strings.TrimLeft(filename, "/")
}

// IsScriptFile reports whether filename is runnable on the remote side.
func IsScriptFile(filename string) bool {
	switch path.Ext(filename) {
	case ".js", ".script", ".ns":
		return true
	}
	return false
}
