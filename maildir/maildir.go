// Package maildir implements the on-disk delivery conventions the sync
// engine relies on: messages are staged invisibly, then published into
// new or cur with a filename whose flag suffix always matches their
// current tag state.
package maildir

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	gomaildir "github.com/emersion/go-maildir"
)

// Flag is one of the DFPRST maildir info flags, in the sense of
// https://cr.yp.to/proto/maildir.html.
type Flag byte

const (
	FlagDraft   Flag = 'D'
	FlagFlagged Flag = 'F'
	FlagPassed  Flag = 'P'
	FlagReplied Flag = 'R'
	FlagSeen    Flag = 'S'
	FlagTrashed Flag = 'T'
)

// allFlags is the canonical DFPRST ordering a filename suffix must follow.
var allFlags = []Flag{FlagDraft, FlagFlagged, FlagPassed, FlagReplied, FlagSeen, FlagTrashed}

// sortFlags returns flags deduplicated and sorted into DFPRST order.
func sortFlags(flags []Flag) []Flag {
	have := map[Flag]bool{}
	for _, f := range flags {
		have[f] = true
	}
	var out []Flag
	for _, f := range allFlags {
		if have[f] {
			out = append(out, f)
		}
	}
	return out
}

func suffix(flags []Flag) string {
	flags = sortFlags(flags)
	b := make([]byte, len(flags))
	for i, f := range flags {
		b[i] = byte(f)
	}
	return string(b)
}

var deliveryCounter uint64

// uniqueName returns a new maildir unique-name component:
// <epochms>.<random><counter>.<host>, so every staged file gets a distinct
// name.
func uniqueName(host string) string {
	counter := atomic.AddUint64(&deliveryCounter, 1)
	ms := time.Now().UnixMilli()
	random := make([]byte, 8)
	if _, err := rand.Read(random); err != nil {
		return fmt.Sprintf("%d.c%d.%s", ms, counter, host)
	}
	return fmt.Sprintf("%d.%s%d.%s", ms, hex.EncodeToString(random), counter, host)
}

// Dir is a single maildir (tmp/new/cur) rooted at Path, e.g. the account
// root or one of its dot-prefixed subfolders.
type Dir struct {
	Path string
	host string
}

// New returns a Dir rooted at path, creating tmp/new/cur if they don't
// already exist.
func New(path string) (Dir, error) {
	d := Dir{Path: path}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	d.host = sanitizeHost(hostname)
	for _, sub := range []string{"tmp", "new", "cur"} {
		if err := os.MkdirAll(filepath.Join(path, sub), 0700); err != nil {
			return Dir{}, fmt.Errorf("creating %s: %w", sub, err)
		}
	}
	return d, nil
}

func sanitizeHost(host string) string {
	host = strings.ReplaceAll(host, "/", "_")
	host = strings.ReplaceAll(host, ":", "_")
	return strings.ReplaceAll(host, "\x00", "")
}

// Mailbox returns the Dir for the server mailbox name inside root, laid
// out per Maildir++: INBOX and friends become dot-prefixed subfolders of
// root (e.g. "Archive" -> root/.Archive), with sep translated to ".".
func Mailbox(root, name string, sep byte) (Dir, error) {
	var rel string
	if sep == 0 || !strings.ContainsRune(name, rune(sep)) {
		rel = "." + name
	} else {
		parts := strings.Split(name, string(sep))
		rel = "." + strings.Join(parts, ".")
	}
	return New(filepath.Join(root, rel))
}

// Stage writes body to a freshly named file under tmp, invisible to any
// notmuch-new-style scanner until Publish moves it out. Returns the bare
// key (no flag suffix, no directory).
func (d Dir) Stage(body []byte) (key string, err error) {
	key = uniqueName(d.host)
	path := filepath.Join(d.Path, "tmp", key)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("staging message: %w", err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("staging message: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("staging message: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("staging message: %w", err)
	}
	return key, nil
}

// filename builds the full "key:2,flags" basename for key under flags.
func filename(key string, flags []Flag) string {
	s := suffix(flags)
	if s == "" {
		return key
	}
	return key + ":2," + s
}

// PlannedPath returns the relative path Publish(key, flags) will produce,
// without touching the filesystem. The sync engine uses this to record a
// message's Path in the database inside the same transaction that stages
// its body, deferring the actual rename until after a successful commit.
func PlannedPath(key string, flags []Flag) string {
	sub := "new"
	if len(flags) > 0 {
		sub = "cur"
	}
	return filepath.Join(sub, filename(key, flags))
}

// Publish moves a staged key out of tmp into new (no flags) or cur
// (any flag set), with a filename whose suffix reflects flags. Returns
// the message's new relative path ("new/name" or "cur/name").
func (d Dir) Publish(key string, flags []Flag) (string, error) {
	src := filepath.Join(d.Path, "tmp", key)
	sub := "new"
	if len(flags) > 0 {
		sub = "cur"
	}
	name := filename(key, flags)
	dst := filepath.Join(d.Path, sub, name)
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("publishing message: %w", err)
	}
	return filepath.Join(sub, name), nil
}

// splitRel splits a maildir-relative path ("cur/name" or "new/name")
// into its subdirectory and basename.
func splitRel(rel string) (sub, name string, ok bool) {
	parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
	if len(parts) != 2 || (parts[0] != "new" && parts[0] != "cur") {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func keyOf(name string) string {
	if i := strings.Index(name, ":2,"); i >= 0 {
		return name[:i]
	}
	return name
}

// SetFlags renames the message at rel (relative to d.Path) so its
// filename suffix matches flags, moving it between new and cur if
// necessary. Returns the message's new relative path.
func (d Dir) SetFlags(rel string, flags []Flag) (string, error) {
	_, name, ok := splitRel(rel)
	if !ok {
		return "", fmt.Errorf("set flags: %q is not a maildir-relative path", rel)
	}
	key := keyOf(name)
	sub := "new"
	if len(flags) > 0 {
		sub = "cur"
	}
	newName := filename(key, flags)
	src := filepath.Join(d.Path, rel)
	dst := filepath.Join(d.Path, sub, newName)
	if src == dst {
		return rel, nil
	}
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("setting flags: %w", err)
	}
	return filepath.Join(sub, newName), nil
}

// Relocate moves the message at rel (relative to d.Path) into dst,
// preserving its key and current flag suffix. Returns dst's relative
// path to the moved file.
func (d Dir) Relocate(rel string, dst Dir) (string, error) {
	sub, name, ok := splitRel(rel)
	if !ok {
		return "", fmt.Errorf("relocate: %q is not a maildir-relative path", rel)
	}
	src := filepath.Join(d.Path, rel)
	dstPath := filepath.Join(dst.Path, sub, name)
	if err := os.Rename(src, dstPath); err != nil {
		return "", fmt.Errorf("relocating message: %w", err)
	}
	return filepath.Join(sub, name), nil
}

// Remove deletes the message at rel (relative to d.Path).
func (d Dir) Remove(rel string) error {
	err := os.Remove(filepath.Join(d.Path, rel))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing message: %w", err)
	}
	return nil
}

// FlagsOf parses the flag suffix out of a maildir basename.
func FlagsOf(name string) []Flag {
	i := strings.Index(name, ":2,")
	if i < 0 {
		return nil
	}
	var flags []Flag
	for _, c := range name[i+3:] {
		flags = append(flags, Flag(c))
	}
	return flags
}

// Scan lists every message currently in new or cur, moving anything in
// new into cur first (go-maildir's Unseen semantics: new is "not yet
// seen by any reader", which for our purposes means "not yet scanned").
// Returned paths are relative to d.Path.
func (d Dir) Scan() ([]string, error) {
	gd := gomaildir.Dir(d.Path)
	if _, err := gd.Unseen(); err != nil {
		return nil, fmt.Errorf("scanning new: %w", err)
	}
	msgs, err := gd.Messages()
	if err != nil {
		return nil, fmt.Errorf("scanning cur: %w", err)
	}
	var rels []string
	for _, m := range msgs {
		full := m.Filename()
		rel, err := filepath.Rel(d.Path, full)
		if err != nil {
			continue
		}
		rels = append(rels, filepath.ToSlash(rel))
	}
	sort.Strings(rels)
	return rels, nil
}

// Read reads the body of the message at rel.
func (d Dir) Read(rel string) ([]byte, error) {
	return os.ReadFile(filepath.Join(d.Path, rel))
}
