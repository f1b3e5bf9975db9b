package store

import (
	"fmt"

	"github.com/mjl-/bstore"
)

// MailboxState is the per-mailbox bookkeeping kept on a Root: one entry per
// server mailbox the account has ever seen, keyed by Name.
type MailboxState struct {
	Name          string
	Separator     byte
	UIDValidity   uint32
	HighestModSeq int64
}

// Root is the account bookkeeping record: a synthetic per-account message
// with message-id <id@sin>, tagged internal, that carries everything pull
// and push need to resume across runs. One Root exists per account, but a
// single tag database may hold several, distinguished by AccountID.
type Root struct {
	AccountID int64 `bstore:"noauto"` // primary key; assigned by scanning existing roots and taking max+1, not bstore autoincrement.

	// MessageID is the root's own identity, always "<AccountID@sin>".
	MessageID string `bstore:"nonzero,unique"`

	// Maildir names the account's maildir subdirectory, used to find the
	// right Root on a run that doesn't pass --create.
	Maildir string `bstore:"nonzero,unique"`

	// Path is the root message's current maildir filename, so a path never
	// has to be reconstructed from the message-id.
	Path string

	// LastMod is the ModSeq observed at the end of the previous successful
	// push; the basis for the next push's FindLocalModifications call.
	LastMod ModSeq

	Mailboxes []MailboxState
}

func (r *Root) mailboxPtr(name string) *MailboxState {
	for i := range r.Mailboxes {
		if r.Mailboxes[i].Name == name {
			return &r.Mailboxes[i]
		}
	}
	return nil
}

// Mailbox returns the bookkeeping for name, ok false if the account has
// never recorded it.
func (r *Root) Mailbox(name string) (ms MailboxState, ok bool) {
	if p := r.mailboxPtr(name); p != nil {
		return *p, true
	}
	return MailboxState{}, false
}

// SetMailbox inserts or replaces the bookkeeping for a mailbox.
func (r *Root) SetMailbox(ms MailboxState) {
	if p := r.mailboxPtr(ms.Name); p != nil {
		*p = ms
		return
	}
	r.Mailboxes = append(r.Mailboxes, ms)
}

// BumpHighestModSeq records modseq as mailbox's highest known modseq if it
// exceeds what is already recorded, tightening the QRESYNC window the next
// pull of this mailbox needs to scan. A modseq of 0 (the server didn't
// report one) or a mailbox BumpHighestModSeq has never heard of is a no-op.
func (r *Root) BumpHighestModSeq(mailbox string, modseq int64) {
	if modseq <= 0 {
		return
	}
	if p := r.mailboxPtr(mailbox); p != nil && modseq > p.HighestModSeq {
		p.HighestModSeq = modseq
	}
}

// DropMailbox removes a mailbox's bookkeeping, e.g. because a LIST refresh
// no longer reports it.
func (r *Root) DropMailbox(name string) {
	for i := range r.Mailboxes {
		if r.Mailboxes[i].Name == name {
			r.Mailboxes = append(r.Mailboxes[:i], r.Mailboxes[i+1:]...)
			return
		}
	}
}

// FindRoots returns every account root in the database, i.e. every row of
// the Root type.
func FindRoots(tx *bstore.Tx) ([]Root, error) {
	return bstore.QueryTx[Root](tx).List()
}

// FindRootByMaildir looks up the account root governing maildir. Returns
// bstore.ErrAbsent if none exists yet, the case --create must handle.
func FindRootByMaildir(tx *bstore.Tx, maildir string) (Root, error) {
	return bstore.QueryTx[Root](tx).FilterEqual("Maildir", maildir).Get()
}

// ScanRootAccounts returns the next account id to use for a fresh root,
// i.e. one higher than the highest AccountID of any existing root, or 1 if
// the database has none yet. Run once at startup on --create. AccountID is
// a noauto primary key, so 0 is never a valid id to hand to CreateRoot.
func ScanRootAccounts(tx *bstore.Tx) (int64, error) {
	roots, err := FindRoots(tx)
	if err != nil {
		return 0, fmt.Errorf("scanning root accounts: %w", err)
	}
	next := int64(1)
	for _, r := range roots {
		if r.AccountID+1 > next {
			next = r.AccountID + 1
		}
	}
	return next, nil
}

// CreateRoot inserts a fresh account root for maildir with id, at path
// (the maildir filename a caller has already staged and published for the
// root's synthetic message). The caller owns writing that file; CreateRoot
// only records the database row, keeping this package independent of the
// maildir package.
func CreateRoot(tx *bstore.Tx, id int64, maildir, path string) (Root, error) {
	r := Root{
		AccountID: id,
		MessageID: fmt.Sprintf("<%d@sin>", id),
		Maildir:   maildir,
		Path:      path,
	}
	if err := tx.Insert(&r); err != nil {
		return Root{}, fmt.Errorf("inserting root: %w", err)
	}
	return r, nil
}

// SaveRoot persists changes made to an in-memory Root (new mailbox
// bookkeeping, advanced LastMod) back to the database.
func SaveRoot(tx *bstore.Tx, r *Root) error {
	return tx.Update(r)
}
