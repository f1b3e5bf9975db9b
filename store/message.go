package store

import (
	"fmt"

	"github.com/mjl-/bstore"
)

// Placement is a message's state in one mailbox: its server identity there
// (UIDVALIDITY + UID), the MODSEQ last observed for it, and the tag set
// last reconciled with the server — the basis pull and push use to compute
// what changed locally versus remotely.
type Placement struct {
	Mailbox     string
	UIDValidity uint32
	UID         uint32
	ModSeq      int64 // server CONDSTORE modseq; 0 means the server gave none.
	Tags        []string
}

// Message is any non-root message known to the synchronizer, identified
// for an account by its RFC 5322 Message-ID. It may be placed in several
// mailboxes at once, recorded one Placement per mailbox.
type Message struct {
	ID int64 // primary key, bstore-assigned.

	// AccountID+MessageID together are the real identity: unique per
	// account, since the same message-id may legitimately recur across
	// different accounts synced into the same database.
	AccountID int64  `bstore:"nonzero,unique AccountID+MessageID"`
	MessageID string `bstore:"nonzero"`

	// Born true for a message found only locally, with no confirmed
	// server placement yet; false for anything pull discovered. This is
	// how push tells a brand new local message apart from a reconciled
	// one.
	Born bool

	// Tags is the message's live tag set: what its maildir flags currently
	// reflect and what a tag edit mutates directly. A Placement's own Tags
	// field is the last baseline reconciled with that mailbox's server
	// flags, kept separately so push can diff the two.
	Tags []string

	// Path is the message's current maildir filename, kept in sync with
	// its tag set by the maildir manager.
	Path string

	// LocalMod is the ModSeq of this message's last local mutation (tag
	// edit, new placement) that push has not yet reconciled with the
	// server. Distinct from any Placement's server ModSeq.
	LocalMod ModSeq

	Placements []Placement
}

func (m *Message) placementPtr(mailbox string) *Placement {
	for i := range m.Placements {
		if m.Placements[i].Mailbox == mailbox {
			return &m.Placements[i]
		}
	}
	return nil
}

// Placement returns the message's state in mailbox, ok false if it isn't
// placed there.
func (m *Message) Placement(mailbox string) (p Placement, ok bool) {
	if pp := m.placementPtr(mailbox); pp != nil {
		return *pp, true
	}
	return Placement{}, false
}

// SetPlacement inserts or replaces the message's state in a mailbox.
func (m *Message) SetPlacement(p Placement) {
	if pp := m.placementPtr(p.Mailbox); pp != nil {
		*pp = p
		return
	}
	m.Placements = append(m.Placements, p)
}

// DropPlacement removes the message's state in mailbox, e.g. after a
// VANISHED for its last remaining placement there. Returns whether the
// message has any placement left.
func (m *Message) DropPlacement(mailbox string) (remaining bool) {
	for i := range m.Placements {
		if m.Placements[i].Mailbox == mailbox {
			m.Placements = append(m.Placements[:i], m.Placements[i+1:]...)
			break
		}
	}
	return len(m.Placements) > 0
}

// FindByMessageID looks up a message by its account-scoped identity.
// Returns bstore.ErrAbsent if unknown.
func FindByMessageID(tx *bstore.Tx, accountID int64, messageID string) (Message, error) {
	return bstore.QueryTx[Message](tx).FilterEqual("AccountID", accountID).FilterEqual("MessageID", messageID).Get()
}

// FindByUID returns the message currently holding uid in mailbox for
// accountID. Returns bstore.ErrAbsent if none does.
func FindByUID(tx *bstore.Tx, accountID int64, mailbox string, uid uint32) (Message, error) {
	return bstore.QueryTx[Message](tx).FilterEqual("AccountID", accountID).FilterFn(func(m Message) bool {
		p, ok := m.Placement(mailbox)
		return ok && p.UID == uid
	}).Get()
}

// FindByMailbox returns every message of accountID currently placed in
// mailbox.
func FindByMailbox(tx *bstore.Tx, accountID int64, mailbox string) ([]Message, error) {
	return bstore.QueryTx[Message](tx).FilterEqual("AccountID", accountID).FilterFn(func(m Message) bool {
		_, ok := m.Placement(mailbox)
		return ok
	}).List()
}

// ExistsPath reports whether some message of accountID already claims
// path as its current maildir filename, used by the local maildir scan to
// tell a genuinely new file apart from one it has already recorded (as a
// placement or as a not-yet-placed born message).
func ExistsPath(tx *bstore.Tx, accountID int64, path string) (bool, error) {
	return bstore.QueryTx[Message](tx).FilterEqual("AccountID", accountID).FilterEqual("Path", path).Exists()
}

// FindLocalModifications returns messages of accountID whose LocalMod
// exceeds sinceLastmod, the set push must reconcile with the server.
func FindLocalModifications(tx *bstore.Tx, accountID int64, sinceLastmod ModSeq) ([]Message, error) {
	return bstore.QueryTx[Message](tx).FilterEqual("AccountID", accountID).FilterGreater("LocalMod", sinceLastmod).SortAsc("LocalMod").List()
}

// CreateMessage inserts a brand new message row for accountID, born true
// (no server placement yet) or false (discovered by pull, placement
// supplied by the caller via SetPlacement before the following Update/
// Insert). The row is assigned a fresh LocalMod so a later push picks it
// up.
func CreateMessage(tx *bstore.Tx, accountID int64, messageID, path string, born bool) (Message, error) {
	mod, err := nextModSeq(tx, accountID)
	if err != nil {
		return Message{}, fmt.Errorf("assigning modseq: %w", err)
	}
	m := Message{
		AccountID: accountID,
		MessageID: messageID,
		Born:      born,
		Path:      path,
		LocalMod:  mod,
	}
	if err := tx.Insert(&m); err != nil {
		return Message{}, fmt.Errorf("inserting message: %w", err)
	}
	return m, nil
}

// Touch advances a message's LocalMod, marking it dirty for the next push,
// and saves it. Sin itself has no tagging command; this is the hook an
// external tagger calls directly against the database after editing a
// message's Tags, so the next push notices the edit.
func Touch(tx *bstore.Tx, m *Message) error {
	mod, err := nextModSeq(tx, m.AccountID)
	if err != nil {
		return fmt.Errorf("assigning modseq: %w", err)
	}
	m.LocalMod = mod
	return tx.Update(m)
}

// Save persists a message without advancing LocalMod, for bookkeeping
// updates (a fresh server UID/MODSEQ recorded by pull) that are not
// themselves local modifications to be pushed back.
func Save(tx *bstore.Tx, m *Message) error {
	return tx.Update(m)
}

// Delete removes a message row entirely, once the server has reported
// VANISHED for its last remaining placement.
func Delete(tx *bstore.Tx, m *Message) error {
	return tx.Delete(m)
}
