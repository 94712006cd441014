// Package filename maps connection identifiers to unguessable file paths.
//
// The file name is the unpadded base64url HMAC-MD5 of the identifier under a
// site-wide key, so clients can only find a connection's file when the server
// tells them its URL.
package filename

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// Layout controls how published files are spread over directories.
type Layout string

const (
	// LayoutFlat stores every file directly in the publish directory.
	LayoutFlat Layout = "flat"
	// LayoutSharded stores files under a two-character subdirectory taken
	// from the start of the MAC.
	LayoutSharded Layout = "sharded"
)

// Extension is appended to every published file.
const Extension = ".json"

const shardWidth = 2

// ErrEmptyKey is returned when a deriver is built without a key.
var ErrEmptyKey = errors.New("filename key is empty")

// ParseLayout accepts "flat" or "sharded". An empty string selects the
// sharded layout.
func ParseLayout(s string) (Layout, error) {
	switch Layout(strings.ToLower(strings.TrimSpace(s))) {
	case "", LayoutSharded:
		return LayoutSharded, nil
	case LayoutFlat:
		return LayoutFlat, nil
	default:
		return "", fmt.Errorf("unknown filename layout %q", s)
	}
}

// Path locates one published file.
type Path struct {
	// Dir is the publish root.
	Dir string
	// Shard is the subdirectory below Dir, empty in the flat layout.
	Shard string
	// Name is the file name including Extension.
	Name string
}

// File returns the full filesystem path.
func (p Path) File() string {
	return filepath.Join(p.Dir, p.Shard, p.Name)
}

// ShardDir returns the directory holding the file.
func (p Path) ShardDir() string {
	return filepath.Join(p.Dir, p.Shard)
}

// Rel returns the slash-separated path relative to the publish root.
func (p Path) Rel() string {
	if p.Shard == "" {
		return p.Name
	}
	return p.Shard + "/" + p.Name
}

// URL joins the relative path onto a public URL prefix.
func (p Path) URL(prefix string) string {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return "/" + p.Rel()
	}
	if strings.Contains(prefix, "://") {
		return prefix + "/" + p.Rel()
	}
	return path.Join(prefix, p.Rel())
}

// Deriver derives paths from identifiers. It is safe for concurrent use.
type Deriver struct {
	key    []byte
	dir    string
	layout Layout
}

// NewDeriver returns a deriver rooted at dir.
func NewDeriver(key []byte, dir string, layout Layout) (*Deriver, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	if layout == "" {
		layout = LayoutSharded
	}
	if layout != LayoutFlat && layout != LayoutSharded {
		return nil, fmt.Errorf("unknown filename layout %q", layout)
	}
	return &Deriver{
		key:    append([]byte(nil), key...),
		dir:    filepath.Clean(dir),
		layout: layout,
	}, nil
}

// Dir returns the publish root.
func (d *Deriver) Dir() string { return d.dir }

// Layout returns the directory layout.
func (d *Deriver) Layout() Layout { return d.layout }

// MAC returns the unpadded base64url HMAC-MD5 of id.
func (d *Deriver) MAC(id string) string {
	mac := hmac.New(md5.New, d.key)
	mac.Write([]byte(id))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Derive returns the path of the file published for id.
func (d *Deriver) Derive(id string) Path {
	mac := d.MAC(id)
	if d.layout == LayoutFlat {
		return Path{Dir: d.dir, Name: mac + Extension}
	}
	return Path{Dir: d.dir, Shard: mac[:shardWidth], Name: mac[shardWidth:] + Extension}
}
