package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mjl-/bstore"

	"github.com/mjl-/sin/imapclient"
	"github.com/mjl-/sin/maildir"
	"github.com/mjl-/sin/mlog"
	"github.com/mjl-/sin/store"
	"github.com/mjl-/sin/synerr"
	"github.com/mjl-/sin/tagmap"
)

// Puller pulls server-side IMAP state for one account into its tag
// database and maildir tree.
type Puller struct {
	Conn        *imapclient.Conn
	Account     *store.Account
	Maildir     string // bare subdirectory name, the Root lookup key; see store.Root.Maildir.
	MaildirRoot string // filesystem path to that subdirectory, e.g. <notmuch_root>/<Maildir>.
	Log         mlog.Log
	DryRun      bool

	pub []pending
	rm  []pendingRemoval
}

// Run performs one full pull: a LIST refresh, then per mailbox a QRESYNC
// resync of VANISHED and FETCH updates, all inside one transaction. On
// DryRun, Run instead issues the same read-only LIST/SELECT calls to
// observe what has changed, without writing to the database or staging
// any file.
func (p *Puller) Run(ctx context.Context) (Summary, error) {
	if p.DryRun {
		return p.dryRun(ctx)
	}

	var sum Summary
	err := p.Account.Write(ctx, func(tx *bstore.Tx) error {
		root, err := store.FindRootByMaildir(tx, p.Maildir)
		if err != nil {
			return fmt.Errorf("finding account root: %w", err)
		}

		names, err := p.listRefresh(tx, &root, &sum)
		if err != nil {
			return err
		}

		for _, name := range names {
			ms, _ := root.Mailbox(name)
			if err := p.pullMailbox(tx, &root, &ms, &sum); err != nil {
				return fmt.Errorf("pulling %q: %w", name, err)
			}
			root.SetMailbox(ms)
		}

		return store.SaveRoot(tx, &root)
	})
	if err != nil {
		return sum, err
	}

	// Only now, after a successful commit, do we touch the filesystem:
	// publish staged bodies and remove files for vanished or re-homed
	// messages, in that order, deferred to the very end of the whole run.
	for _, pub := range p.pub {
		if err := pub.apply(); err != nil {
			p.Log.Error(err, "publishing staged message")
		}
	}
	for _, r := range p.rm {
		if err := r.apply(); err != nil {
			p.Log.Error(err, "removing file")
		}
	}
	p.Log.Info("pull finished", sum.Fields()...)
	return sum, nil
}

// dryRun issues the same LIST and per-mailbox QRESYNC SELECT calls a real
// pull would, tallying what would change without writing to the database
// or staging any file. The SELECTs themselves are inherent IMAP session
// state changes (which mailbox is selected), not message mutations.
func (p *Puller) dryRun(ctx context.Context) (Summary, error) {
	var sum Summary
	err := p.Account.Read(ctx, func(tx *bstore.Tx) error {
		root, err := store.FindRootByMaildir(tx, p.Maildir)
		if err != nil {
			return fmt.Errorf("finding account root: %w", err)
		}

		resp, err := p.Conn.ListFull(false, "*")
		if err != nil {
			return wireErr("list", err)
		}
		lists := imapclient.UntaggedResponseList[imapclient.UntaggedList](resp)
		sum.MailboxesSeen = len(lists)

		for _, l := range lists {
			ms, _ := root.Mailbox(l.Mailbox)
			r, _, err := p.reselect(l.Mailbox, ms.UIDValidity, ms.HighestModSeq)
			if err != nil {
				return err
			}
			sum.Vanished += len(vanishedUIDs(r))
			for _, t := range fetchTriples(r) {
				if _, err := store.FindByUID(tx, root.AccountID, l.Mailbox, t.UID); err == bstore.ErrAbsent {
					sum.Fetched++
				} else {
					sum.FlagsFromServer++
				}
			}
		}
		return nil
	})
	if err != nil {
		return sum, err
	}
	p.Log.Info("dry run: nothing staged or written", sum.Fields()...)
	return sum, nil
}

// listRefresh issues LIST "" "*", updates root's mailbox bookkeeping, and
// drops mailboxes that disappeared upstream, returning the set of mailbox
// names to pull this run.
func (p *Puller) listRefresh(tx *bstore.Tx, root *store.Root, sum *Summary) ([]string, error) {
	resp, err := p.Conn.ListFull(false, "*")
	if err != nil {
		return nil, wireErr("list", err)
	}
	lists := imapclient.UntaggedResponseList[imapclient.UntaggedList](resp)

	seen := map[string]bool{}
	var names []string
	for _, l := range lists {
		noselect := false
		for _, f := range l.Flags {
			if strings.EqualFold(f, `\Noselect`) {
				noselect = true
			}
		}
		if noselect {
			continue
		}
		seen[l.Mailbox] = true
		names = append(names, l.Mailbox)
		if _, ok := root.Mailbox(l.Mailbox); !ok {
			root.SetMailbox(store.MailboxState{Name: l.Mailbox, Separator: l.Separator})
		}
	}

	for _, ms := range append([]store.MailboxState{}, root.Mailboxes...) {
		if seen[ms.Name] {
			continue
		}
		if err := p.forgetMailbox(tx, root, ms.Name); err != nil {
			return nil, err
		}
		root.DropMailbox(ms.Name)
	}

	return names, nil
}

// forgetMailbox drops mailbox membership from every message placed there,
// deleting messages that end up with no placement left at all, and queues
// their files for removal once the transaction commits.
func (p *Puller) forgetMailbox(tx *bstore.Tx, root *store.Root, mailbox string) error {
	msgs, err := store.FindByMailbox(tx, root.AccountID, mailbox)
	if err != nil {
		return fmt.Errorf("finding messages in %q: %w", mailbox, err)
	}
	var sep byte
	if ms, ok := root.Mailbox(mailbox); ok {
		sep = ms.Separator
	}
	dir, err := maildir.Mailbox(p.MaildirRoot, mailbox, sep)
	if err != nil {
		return fmt.Errorf("opening maildir for %q: %w", mailbox, err)
	}
	for _, m := range msgs {
		if err := p.dropPlacement(tx, &m, mailbox, dir); err != nil {
			return err
		}
	}
	return nil
}

// dropPlacement removes m's placement in mailbox, deleting the message row
// (and queuing its file for removal from dir, the mailbox's maildir) if
// nothing remains.
func (p *Puller) dropPlacement(tx *bstore.Tx, m *store.Message, mailbox string, dir maildir.Dir) error {
	if remaining := m.DropPlacement(mailbox); remaining {
		return store.Save(tx, m)
	}
	p.rm = append(p.rm, pendingRemoval{dir: dir, rel: m.Path})
	return store.Delete(tx, m)
}

// pullMailbox resyncs one mailbox: a QRESYNC SELECT whose response drives
// VANISHED processing (first) and then FETCH processing (UID ascending).
func (p *Puller) pullMailbox(tx *bstore.Tx, root *store.Root, ms *store.MailboxState, sum *Summary) error {
	sum.MailboxesSeen++

	resp, reportedValidity, err := p.reselect(ms.Name, ms.UIDValidity, ms.HighestModSeq)
	if err != nil {
		return err
	}
	if ms.UIDValidity != 0 && reportedValidity != ms.UIDValidity {
		// The server's UIDVALIDITY differs from the recorded one (reselect
		// returns the newly reported value): forget the mailbox's known
		// messages and treat this as an initial sync.
		if err := p.forgetMailbox(tx, root, ms.Name); err != nil {
			return err
		}
	}
	ms.UIDValidity = reportedValidity

	dir, err := maildir.Mailbox(p.MaildirRoot, ms.Name, ms.Separator)
	if err != nil {
		return fmt.Errorf("opening maildir for %q: %w", ms.Name, err)
	}

	for _, uid := range vanishedUIDs(resp) {
		m, err := store.FindByUID(tx, root.AccountID, ms.Name, uid)
		if err == bstore.ErrAbsent {
			continue
		} else if err != nil {
			return fmt.Errorf("finding vanished uid %d: %w", uid, err)
		}
		if err := p.dropPlacement(tx, &m, ms.Name, dir); err != nil {
			return err
		}
		sum.Vanished++
	}

	for _, t := range fetchTriples(resp) {
		if err := p.applyFetch(tx, root, ms, dir, t, sum); err != nil {
			return fmt.Errorf("applying fetch for uid %d: %w", t.UID, err)
		}
	}

	if hm := highestModSeqOf(resp); hm > ms.HighestModSeq {
		ms.HighestModSeq = hm
	}
	return nil
}

// reselect repeatedly issues SELECT ... (QRESYNC ...) until the server's
// reported UIDVALIDITY matches what was requested, resetting modseq to 0
// and retrying with the newly reported value on a mismatch. This both
// drives ordinary incremental resync (the common case: request matches
// immediately) and an initial or UIDVALIDITY-changed sync (request 0 or a
// stale value, loop once more with the true value and no assumed state).
func (p *Puller) reselect(mailbox string, uidValidity uint32, highestModSeq int64) (imapclient.Response, uint32, error) {
	for {
		resp, err := p.Conn.SelectQresync(mailbox, uidValidity, highestModSeq, "")
		if err != nil {
			return resp, 0, wireErr("select qresync", err)
		}
		reported := uidValidityOf(resp)
		if reported == uidValidity {
			return resp, reported, nil
		}
		uidValidity = reported
		highestModSeq = 0
	}
}

// applyFetch handles one (uid, flags, modseq) triple from a SELECT or UID
// FETCH response: stage a new message, or reconcile tags on a known one.
func (p *Puller) applyFetch(tx *bstore.Tx, root *store.Root, ms *store.MailboxState, dir maildir.Dir, t fetchTriple, sum *Summary) error {
	m, err := store.FindByUID(tx, root.AccountID, ms.Name, t.UID)
	if err == bstore.ErrAbsent {
		return p.fetchNew(tx, root, ms, dir, t, sum)
	} else if err != nil {
		return fmt.Errorf("looking up uid %d: %w", t.UID, err)
	}

	placement, _ := m.Placement(ms.Name)
	if t.ModSeq != 0 && t.ModSeq <= placement.ModSeq {
		return nil // No newer state than what's already recorded.
	}

	newTags := tagmap.FlagsToTags(t.Flags, ms.Name)
	add, remove := diffTags(placement.Tags, newTags)
	m.Tags = applyTagDiff(m.Tags, add, remove)
	placement.Tags = newTags
	placement.ModSeq = t.ModSeq
	m.SetPlacement(placement)

	rel, err := dir.SetFlags(m.Path, maildirFlags(m.Tags))
	if err != nil {
		return fmt.Errorf("updating maildir flags: %w", err)
	}
	m.Path = rel
	sum.FlagsFromServer++
	return store.Save(tx, &m)
}

// fetchNew downloads and stages a message the database has never seen in
// this mailbox: either a genuinely new message, or one already known
// under another mailbox (placed there too, not duplicated).
func (p *Puller) fetchNew(tx *bstore.Tx, root *store.Root, ms *store.MailboxState, dir maildir.Dir, t fetchTriple, sum *Summary) error {
	resp, err := p.Conn.UIDFetch(uidSet(t.UID), "BODY.PEEK[] INTERNALDATE RFC822.SIZE")
	if err != nil {
		return wireErr("uid fetch", err)
	}

	var body []byte
	for _, u := range resp.Untagged {
		uf, ok := u.(imapclient.UntaggedFetch)
		if !ok {
			continue
		}
		for _, a := range uf.Attrs {
			if fb, ok := a.(imapclient.FetchBody); ok {
				body = []byte(fb.Body)
			}
		}
	}
	if body == nil {
		return errors.New("uid fetch returned no body")
	}

	messageID := parseMessageID(ms.Name, t.UID, body)
	tags := tagmap.FlagsToTags(t.Flags, ms.Name)

	existing, err := store.FindByMessageID(tx, root.AccountID, messageID)
	switch {
	case err == nil:
		if _, already := existing.Placement(ms.Name); already {
			// Two UIDs in the same mailbox sharing a message-id: keep the
			// first placement recorded for this mailbox and drop the rest,
			// rather than letting a later UID silently overwrite it.
			dupErr := &synerr.DuplicateMessageID{Mailbox: ms.Name, MessageID: messageID}
			p.Log.Error(dupErr, "duplicate message-id")
			return nil
		}
		// Same message already known from another mailbox: add a placement,
		// no new file needed since notmuch-style maildir sync keys on
		// message-id, not per-mailbox copies.
		existing.SetPlacement(store.Placement{Mailbox: ms.Name, UIDValidity: ms.UIDValidity, UID: t.UID, ModSeq: t.ModSeq, Tags: tags})
		sum.Fetched++
		return store.Save(tx, &existing)
	case err != bstore.ErrAbsent:
		return fmt.Errorf("checking message-id %q: %w", messageID, err)
	}

	key, err := dir.Stage(body)
	if err != nil {
		return fmt.Errorf("staging message: %w", err)
	}
	flags := maildirFlags(tags)
	path := maildir.PlannedPath(key, flags)

	m, err := store.CreateMessage(tx, root.AccountID, messageID, path, false)
	if err != nil {
		return err
	}
	m.Tags = tags
	m.SetPlacement(store.Placement{Mailbox: ms.Name, UIDValidity: ms.UIDValidity, UID: t.UID, ModSeq: t.ModSeq, Tags: tags})
	if err := store.Save(tx, &m); err != nil {
		return err
	}

	p.pub = append(p.pub, pending{dir: dir, key: key, flags: flags})
	sum.Fetched++
	return nil
}

// diffTags returns tags to add/remove to turn a message carrying before
// into one carrying after.
func diffTags(before, after []string) (add, remove []string) {
	have := map[string]bool{}
	for _, t := range before {
		have[t] = true
	}
	want := map[string]bool{}
	for _, t := range after {
		want[t] = true
		if !have[t] {
			add = append(add, t)
		}
	}
	for _, t := range before {
		if !want[t] {
			remove = append(remove, t)
		}
	}
	return add, remove
}

// applyTagDiff returns current with add applied and remove taken away,
// deduplicated.
func applyTagDiff(current []string, add, remove []string) []string {
	have := map[string]bool{}
	for _, t := range current {
		have[t] = true
	}
	for _, t := range remove {
		delete(have, t)
	}
	for _, t := range add {
		have[t] = true
	}
	out := make([]string, 0, len(have))
	for t := range have {
		out = append(out, t)
	}
	return out
}
