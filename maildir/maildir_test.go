package maildir

import (
	"path/filepath"
	"testing"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func TestStagePublish(t *testing.T) {
	dir, err := New(t.TempDir())
	tcheck(t, err, "new dir")

	key, err := dir.Stage([]byte("hello"))
	tcheck(t, err, "stage")

	rel, err := dir.Publish(key, nil)
	tcheck(t, err, "publish")
	if filepath.Dir(rel) != "new" {
		t.Fatalf("unflagged message published to %q, expected new", rel)
	}

	body, err := dir.Read(rel)
	tcheck(t, err, "read")
	if string(body) != "hello" {
		t.Fatalf("read back %q, expected %q", body, "hello")
	}
}

func TestPublishWithFlagsGoesToCur(t *testing.T) {
	dir, err := New(t.TempDir())
	tcheck(t, err, "new dir")

	key, err := dir.Stage([]byte("x"))
	tcheck(t, err, "stage")

	rel, err := dir.Publish(key, []Flag{FlagSeen})
	tcheck(t, err, "publish")
	if filepath.Dir(rel) != "cur" {
		t.Fatalf("flagged message published to %q, expected cur", rel)
	}
	if got := FlagsOf(filepath.Base(rel)); len(got) != 1 || got[0] != FlagSeen {
		t.Fatalf("unexpected flags parsed from %q: %v", rel, got)
	}
}

func TestSetFlagsMovesBetweenNewAndCur(t *testing.T) {
	dir, err := New(t.TempDir())
	tcheck(t, err, "new dir")

	key, err := dir.Stage([]byte("x"))
	tcheck(t, err, "stage")
	rel, err := dir.Publish(key, nil)
	tcheck(t, err, "publish")

	rel, err = dir.SetFlags(rel, []Flag{FlagSeen, FlagFlagged})
	tcheck(t, err, "set flags")
	if filepath.Dir(rel) != "cur" {
		t.Fatalf("flagged message is in %q, expected cur", rel)
	}
	flags := FlagsOf(filepath.Base(rel))
	if len(flags) != 2 || flags[0] != FlagFlagged || flags[1] != FlagSeen {
		t.Fatalf("flags not in DFPRST order: %v", flags)
	}

	rel, err = dir.SetFlags(rel, nil)
	tcheck(t, err, "clear flags")
	if filepath.Dir(rel) != "new" {
		t.Fatalf("unflagged message is in %q, expected new", rel)
	}
}

func TestRelocatePreservesKeyAndFlags(t *testing.T) {
	src, err := New(t.TempDir())
	tcheck(t, err, "new src")
	dst, err := New(t.TempDir())
	tcheck(t, err, "new dst")

	key, err := src.Stage([]byte("x"))
	tcheck(t, err, "stage")
	rel, err := src.Publish(key, []Flag{FlagSeen})
	tcheck(t, err, "publish")

	newRel, err := src.Relocate(rel, dst)
	tcheck(t, err, "relocate")
	if filepath.Base(newRel) != filepath.Base(rel) {
		t.Fatalf("relocate changed basename: %q -> %q", rel, newRel)
	}

	body, err := dst.Read(newRel)
	tcheck(t, err, "read relocated")
	if string(body) != "x" {
		t.Fatalf("relocated message has wrong body %q", body)
	}
}

func TestMailboxLayout(t *testing.T) {
	root := t.TempDir()

	inbox, err := Mailbox(root, "INBOX", '/')
	tcheck(t, err, "inbox")
	if inbox.Path != filepath.Join(root, ".INBOX") {
		t.Fatalf("INBOX mapped to %q", inbox.Path)
	}

	sub, err := Mailbox(root, "Archive/2024", '/')
	tcheck(t, err, "subfolder")
	if sub.Path != filepath.Join(root, ".Archive.2024") {
		t.Fatalf("nested mailbox mapped to %q", sub.Path)
	}
}

func TestScanSeesPublishedMessages(t *testing.T) {
	dir, err := New(t.TempDir())
	tcheck(t, err, "new dir")

	key, err := dir.Stage([]byte("a"))
	tcheck(t, err, "stage")
	_, err = dir.Publish(key, nil)
	tcheck(t, err, "publish")

	rels, err := dir.Scan()
	tcheck(t, err, "scan")
	if len(rels) != 1 {
		t.Fatalf("got %d messages, expected 1", len(rels))
	}
}
