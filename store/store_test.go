package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mjl-/bstore"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func topen(t *testing.T) *Account {
	t.Helper()
	acc, err := Open(ctxbg, filepath.Join(t.TempDir(), "tags.db"))
	tcheck(t, err, "open")
	t.Cleanup(func() { acc.Close() })
	return acc
}

func TestRootLifecycle(t *testing.T) {
	acc := topen(t)

	err := acc.Write(ctxbg, func(tx *bstore.Tx) error {
		next, err := ScanRootAccounts(tx)
		tcheck(t, err, "scan root accounts")
		if next != 1 {
			t.Fatalf("next account id = %d, expected 1 on empty database (0 is not a valid noauto primary key)", next)
		}

		_, err = CreateRoot(tx, next, "work", "root0:2,")
		return err
	})
	tcheck(t, err, "create first root")

	err = acc.Write(ctxbg, func(tx *bstore.Tx) error {
		next, err := ScanRootAccounts(tx)
		tcheck(t, err, "scan root accounts")
		if next != 2 {
			t.Fatalf("next account id = %d, expected 2 after one root with id 1", next)
		}
		_, err = CreateRoot(tx, next, "personal", "root1:2,")
		return err
	})
	tcheck(t, err, "create second root")

	err = acc.Read(ctxbg, func(tx *bstore.Tx) error {
		roots, err := FindRoots(tx)
		tcheck(t, err, "find roots")
		if len(roots) != 2 {
			t.Fatalf("got %d roots, expected 2", len(roots))
		}

		r, err := FindRootByMaildir(tx, "personal")
		tcheck(t, err, "find root by maildir")
		if r.AccountID != 2 || r.MessageID != "<2@sin>" {
			t.Fatalf("unexpected root %+v", r)
		}
		return nil
	})
	tcheck(t, err, "read roots")

	err = acc.Write(ctxbg, func(tx *bstore.Tx) error {
		r, err := FindRootByMaildir(tx, "work")
		tcheck(t, err, "find root")
		r.SetMailbox(MailboxState{Name: "INBOX", Separator: '/', UIDValidity: 7, HighestModSeq: 100})
		return SaveRoot(tx, &r)
	})
	tcheck(t, err, "update root mailbox state")

	err = acc.Read(ctxbg, func(tx *bstore.Tx) error {
		r, err := FindRootByMaildir(tx, "work")
		tcheck(t, err, "find root")
		ms, ok := r.Mailbox("INBOX")
		if !ok || ms.UIDValidity != 7 || ms.HighestModSeq != 100 {
			t.Fatalf("unexpected mailbox state %+v ok=%v", ms, ok)
		}
		if _, ok := r.Mailbox("Archive"); ok {
			t.Fatalf("unexpected mailbox bookkeeping for never-seen mailbox")
		}
		return nil
	})
	tcheck(t, err, "read updated root")
}

func TestBumpHighestModSeq(t *testing.T) {
	acc := topen(t)

	err := acc.Write(ctxbg, func(tx *bstore.Tx) error {
		r, err := CreateRoot(tx, 1, "work", "root0:2,")
		tcheck(t, err, "create root")
		r.SetMailbox(MailboxState{Name: "INBOX", Separator: '/', UIDValidity: 7, HighestModSeq: 100})

		r.BumpHighestModSeq("INBOX", 50)      // lower than current, must be ignored.
		r.BumpHighestModSeq("INBOX", 0)       // server reported none, must be ignored.
		r.BumpHighestModSeq("Archive", 9999)  // unknown mailbox, must be ignored.
		r.BumpHighestModSeq("INBOX", 150)

		return SaveRoot(tx, &r)
	})
	tcheck(t, err, "bump highest modseq")

	err = acc.Read(ctxbg, func(tx *bstore.Tx) error {
		r, err := FindRootByMaildir(tx, "work")
		tcheck(t, err, "find root")
		ms, ok := r.Mailbox("INBOX")
		if !ok || ms.HighestModSeq != 150 {
			t.Fatalf("unexpected mailbox state %+v ok=%v, want highestmodseq 150", ms, ok)
		}
		if _, ok := r.Mailbox("Archive"); ok {
			t.Fatalf("BumpHighestModSeq must not create bookkeeping for an unknown mailbox")
		}
		return nil
	})
	tcheck(t, err, "read bumped root")
}

func TestMessagePlacementsAndLocalMods(t *testing.T) {
	acc := topen(t)

	var accountID int64 = 3
	var createdLocalMod ModSeq

	err := acc.Write(ctxbg, func(tx *bstore.Tx) error {
		m, err := CreateMessage(tx, accountID, "<abc@example.org>", "abc:2,S", false)
		tcheck(t, err, "create message")
		createdLocalMod = m.LocalMod
		if createdLocalMod == 0 {
			t.Fatalf("expected nonzero LocalMod on creation")
		}

		m.SetPlacement(Placement{Mailbox: "INBOX", UIDValidity: 7, UID: 42, ModSeq: 1000, Tags: []string{"unread"}})
		return Save(tx, &m)
	})
	tcheck(t, err, "create message with placement")

	err = acc.Read(ctxbg, func(tx *bstore.Tx) error {
		m, err := FindByUID(tx, accountID, "INBOX", 42)
		tcheck(t, err, "find by uid")
		if m.MessageID != "<abc@example.org>" {
			t.Fatalf("found wrong message %+v", m)
		}

		byMbx, err := FindByMailbox(tx, accountID, "INBOX")
		tcheck(t, err, "find by mailbox")
		if len(byMbx) != 1 {
			t.Fatalf("got %d messages in INBOX, expected 1", len(byMbx))
		}

		byID, err := FindByMessageID(tx, accountID, "<abc@example.org>")
		tcheck(t, err, "find by message-id")
		if byID.ID != m.ID {
			t.Fatalf("find by message-id returned a different row")
		}
		return nil
	})
	tcheck(t, err, "read back placement")

	// A tag edit after createdLocalMod must surface in FindLocalModifications.
	err = acc.Write(ctxbg, func(tx *bstore.Tx) error {
		m, err := FindByMessageID(tx, accountID, "<abc@example.org>")
		tcheck(t, err, "find by message-id")
		p, _ := m.Placement("INBOX")
		p.Tags = append(p.Tags, "flagged")
		m.SetPlacement(p)
		return Touch(tx, &m)
	})
	tcheck(t, err, "touch message")

	err = acc.Read(ctxbg, func(tx *bstore.Tx) error {
		dirty, err := FindLocalModifications(tx, accountID, createdLocalMod)
		tcheck(t, err, "find local modifications")
		if len(dirty) != 1 || dirty[0].MessageID != "<abc@example.org>" {
			t.Fatalf("unexpected dirty set %+v", dirty)
		}

		clean, err := FindLocalModifications(tx, accountID, dirty[0].LocalMod)
		tcheck(t, err, "find local modifications after catching up")
		if len(clean) != 0 {
			t.Fatalf("expected no modifications once caught up, got %+v", clean)
		}
		return nil
	})
	tcheck(t, err, "verify local modification tracking")
}

func TestMessageVanish(t *testing.T) {
	acc := topen(t)

	err := acc.Write(ctxbg, func(tx *bstore.Tx) error {
		m, err := CreateMessage(tx, 1, "<gone@example.org>", "gone:2,", false)
		tcheck(t, err, "create message")
		m.SetPlacement(Placement{Mailbox: "INBOX", UIDValidity: 1, UID: 1})
		return Save(tx, &m)
	})
	tcheck(t, err, "create message")

	err = acc.Write(ctxbg, func(tx *bstore.Tx) error {
		m, err := FindByMessageID(tx, 1, "<gone@example.org>")
		tcheck(t, err, "find by message-id")
		if remaining := m.DropPlacement("INBOX"); remaining {
			t.Fatalf("expected no placements left")
		}
		return Delete(tx, &m)
	})
	tcheck(t, err, "drop last placement and delete")

	err = acc.Read(ctxbg, func(tx *bstore.Tx) error {
		_, err := FindByMessageID(tx, 1, "<gone@example.org>")
		if err != bstore.ErrAbsent {
			t.Fatalf("expected ErrAbsent after delete, got %v", err)
		}
		return nil
	})
	tcheck(t, err, "verify deletion")
}
