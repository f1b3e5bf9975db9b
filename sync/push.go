package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/mjl-/bstore"

	"github.com/mjl-/sin/imapclient"
	"github.com/mjl-/sin/maildir"
	"github.com/mjl-/sin/mlog"
	"github.com/mjl-/sin/store"
	"github.com/mjl-/sin/synerr"
	"github.com/mjl-/sin/tagmap"
)

// Pusher pushes local tag edits and new messages for one account back to
// its IMAP server.
type Pusher struct {
	Conn        *imapclient.Conn
	Account     *store.Account
	Maildir     string // bare subdirectory name, the Root lookup key; see store.Root.Maildir.
	MaildirRoot string // filesystem path to that subdirectory, e.g. <notmuch_root>/<Maildir>.
	Log         mlog.Log
	DryRun      bool
}

// Run performs one full push: a QRESYNC SELECT per mailbox to catch a
// UIDVALIDITY change before touching anything, a local maildir scan for
// brand new files, then one APPEND/STORE/MOVE per locally modified
// message. A STORE conflict (MODIFIED response) or an ambiguous MOVE
// response stops the run early with everything applied so far committed;
// the account's lastmod is advanced only on a run that finished clean, so
// a stopped run's untouched messages are retried by the next push.
func (p *Pusher) Run(ctx context.Context) (Summary, error) {
	if p.DryRun {
		return p.dryRun(ctx)
	}

	var sum Summary
	var pullRequired string

	err := p.Account.Write(ctx, func(tx *bstore.Tx) error {
		root, err := store.FindRootByMaildir(tx, p.Maildir)
		if err != nil {
			return fmt.Errorf("finding account root: %w", err)
		}

		for _, ms := range root.Mailboxes {
			resp, err := p.Conn.SelectQresync(ms.Name, ms.UIDValidity, ms.HighestModSeq, "")
			if err != nil {
				return wireErr("select qresync", err)
			}
			if reported := uidValidityOf(resp); ms.UIDValidity != 0 && reported != ms.UIDValidity {
				return &synerr.PullRequired{Mailbox: ms.Name}
			}
		}

		if err := p.scanNew(tx, &root, &sum); err != nil {
			return err
		}

		dirty, err := store.FindLocalModifications(tx, root.AccountID, root.LastMod)
		if err != nil {
			return fmt.Errorf("finding local modifications: %w", err)
		}

		for i := range dirty {
			m := dirty[i]
			needsPull, err := p.pushMessage(tx, &root, &m, &sum)
			if err != nil {
				return err
			}
			if needsPull {
				pullRequired = m.MessageID
				break
			}
		}

		if pullRequired == "" {
			lastmod, err := store.CurrentLastmod(tx, root.AccountID)
			if err != nil {
				return err
			}
			root.LastMod = lastmod
		}
		return store.SaveRoot(tx, &root)
	})
	if err != nil {
		return sum, err
	}
	if pullRequired != "" {
		p.Log.Info("push stopped, pull required", sum.Fields()...)
		return sum, &synerr.PullRequired{Mailbox: pullRequired}
	}
	p.Log.Info("push finished", sum.Fields()...)
	return sum, nil
}

// dryRun computes push's candidate set without issuing any IMAP command or
// database write.
func (p *Pusher) dryRun(ctx context.Context) (Summary, error) {
	var sum Summary
	err := p.Account.Read(ctx, func(tx *bstore.Tx) error {
		root, err := store.FindRootByMaildir(tx, p.Maildir)
		if err != nil {
			return fmt.Errorf("finding account root: %w", err)
		}
		dirty, err := store.FindLocalModifications(tx, root.AccountID, root.LastMod)
		if err != nil {
			return fmt.Errorf("finding local modifications: %w", err)
		}
		for _, m := range dirty {
			if len(m.Placements) == 0 {
				sum.Appended++
			} else {
				sum.FlagsToServer++
			}
		}
		return nil
	})
	if err != nil {
		return sum, err
	}
	p.Log.Info("dry run: nothing pushed", sum.Fields()...)
	return sum, nil
}

// scanNew walks every known mailbox's maildir for files the database
// doesn't yet track by path, creating a born=true message row for each:
// a file with no database row and no confirmed server placement is, by
// definition, new and local-only.
func (p *Pusher) scanNew(tx *bstore.Tx, root *store.Root, sum *Summary) error {
	for _, ms := range root.Mailboxes {
		dir, err := maildir.Mailbox(p.MaildirRoot, ms.Name, ms.Separator)
		if err != nil {
			return fmt.Errorf("opening maildir for %q: %w", ms.Name, err)
		}
		rels, err := dir.Scan()
		if err != nil {
			return fmt.Errorf("scanning %q: %w", ms.Name, err)
		}
		for _, rel := range rels {
			known, err := store.ExistsPath(tx, root.AccountID, rel)
			if err != nil {
				return err
			}
			if known {
				continue
			}
			body, err := dir.Read(rel)
			if err != nil {
				p.Log.Error(err, "reading candidate new message", mlog.Field("path", rel))
				continue
			}
			messageID := parseMessageID(ms.Name, 0, body)
			if _, err := store.FindByMessageID(tx, root.AccountID, messageID); err == nil {
				continue // Already tracked under this message-id, e.g. mid-pull.
			} else if err != bstore.ErrAbsent {
				return err
			}

			tags := tagsFromMaildirFlags(maildir.FlagsOf(filepath.Base(rel)))
			tags = append(tags, mailboxTagPrefix+ms.Name)
			m, err := store.CreateMessage(tx, root.AccountID, messageID, rel, true)
			if err != nil {
				return err
			}
			m.Tags = tags
			if err := store.Save(tx, &m); err != nil {
				return err
			}
		}
	}
	return nil
}

// pushMessage reconciles one locally dirty message with the server:
// APPEND if it has no confirmed placement anywhere yet, STORE for tag
// changes on placements it already has, and UID MOVE if its desired
// mailbox (per a mailboxTagPrefix tag) names somewhere it isn't yet
// placed. needsPull is true if a conflict or an ambiguous MOVE response
// means the caller should stop and ask for a pull before retrying.
func (p *Pusher) pushMessage(tx *bstore.Tx, root *store.Root, m *store.Message, sum *Summary) (needsPull bool, err error) {
	if len(m.Placements) == 0 {
		return p.appendMessage(tx, root, m, sum)
	}

	for i := range m.Placements {
		placement := m.Placements[i]
		add, remove := tagmap.Diff(placement.Tags, m.Tags, root.AccountID)

		if len(add) > 0 {
			resp, err := p.Conn.UIDStoreFlagsAddSince(uidSet(placement.UID), placement.ModSeq, add...)
			if err != nil {
				return false, wireErr("uid store +flags", err)
			}
			if _, ok := codeOf[imapclient.CodeModified](resp); ok {
				sum.Conflicts++
				return true, nil
			}
			if hm := modSeqForUID(resp, placement.UID); hm > 0 {
				placement.ModSeq = hm
			}
			sum.FlagsToServer++
		}
		if len(remove) > 0 {
			resp, err := p.Conn.UIDStoreFlagsClearSince(uidSet(placement.UID), placement.ModSeq, remove...)
			if err != nil {
				return false, wireErr("uid store -flags", err)
			}
			if _, ok := codeOf[imapclient.CodeModified](resp); ok {
				sum.Conflicts++
				return true, nil
			}
			if hm := modSeqForUID(resp, placement.UID); hm > 0 {
				placement.ModSeq = hm
			}
			sum.FlagsToServer++
		}

		placement.Tags = append([]string{}, m.Tags...)
		m.SetPlacement(placement)
		root.BumpHighestModSeq(placement.Mailbox, placement.ModSeq)
	}

	if dst, ok := desiredMailbox(m.Tags); ok {
		if _, already := m.Placement(dst); !already {
			return p.moveMessage(tx, root, m, dst, sum)
		}
	}

	return false, store.Save(tx, m)
}

// appendMessage uploads a wholly new local message and records its first
// placement from the response's APPENDUID.
func (p *Pusher) appendMessage(tx *bstore.Tx, root *store.Root, m *store.Message, sum *Summary) (needsPull bool, err error) {
	mailbox, ok := desiredMailbox(m.Tags)
	if !ok {
		mailbox = "INBOX"
	}
	var sep byte
	if ms, ok := root.Mailbox(mailbox); ok {
		sep = ms.Separator
	}
	dir, err := maildir.Mailbox(p.MaildirRoot, mailbox, sep)
	if err != nil {
		return false, fmt.Errorf("opening maildir for %q: %w", mailbox, err)
	}
	body, err := dir.Read(m.Path)
	if err != nil {
		return false, fmt.Errorf("reading %q: %w", m.Path, err)
	}

	resp, err := p.Conn.Append(mailbox, imapclient.Append{
		Flags: tagmap.TagsToFlags(m.Tags, root.AccountID),
		Size:  int64(len(body)),
		Data:  bytes.NewReader(body),
	})
	if err != nil {
		return false, wireErr("append", err)
	}
	auid, ok := codeOf[imapclient.CodeAppendUID](resp)
	if !ok {
		return false, &synerr.Protocol{Op: "append", Err: errors.New("no APPENDUID response code")}
	}

	newModSeq := modSeqForUID(resp, auid.UIDs.First)
	m.Born = false
	m.SetPlacement(store.Placement{
		Mailbox:     mailbox,
		UIDValidity: auid.UIDValidity,
		UID:         auid.UIDs.First,
		ModSeq:      newModSeq,
		Tags:        append([]string{}, m.Tags...),
	})
	root.BumpHighestModSeq(mailbox, newModSeq)
	sum.Appended++
	return false, store.Save(tx, m)
}

// moveMessage relocates a message already placed exactly once to dst,
// using UID MOVE and its COPYUID response to learn the new placement.
func (p *Pusher) moveMessage(tx *bstore.Tx, root *store.Root, m *store.Message, dst string, sum *Summary) (needsPull bool, err error) {
	if len(m.Placements) != 1 {
		// Placed in more than one mailbox already; moving is ambiguous with
		// the data recorded, so leave it for the next pull to sort out.
		return false, store.Save(tx, m)
	}
	src := m.Placements[0]

	resp, err := p.Conn.UIDMove(uidSet(src.UID), dst)
	if err != nil {
		return false, wireErr("uid move", err)
	}
	copyuid, ok := codeOf[imapclient.CodeCopyUID](resp)
	if !ok || len(copyuid.To) == 0 {
		// No COPYUID: assume a previous run was interrupted mid-move and
		// the server's state can no longer be trusted without a pull.
		return true, nil
	}

	var srcSep, dstSep byte
	if ms, ok := root.Mailbox(src.Mailbox); ok {
		srcSep = ms.Separator
	}
	if ms, ok := root.Mailbox(dst); ok {
		dstSep = ms.Separator
	}
	srcDir, err := maildir.Mailbox(p.MaildirRoot, src.Mailbox, srcSep)
	if err == nil {
		if dstDir, err := maildir.Mailbox(p.MaildirRoot, dst, dstSep); err == nil {
			if rel, err := srcDir.Relocate(m.Path, dstDir); err == nil {
				m.Path = rel
			}
		}
	}

	newModSeq := modSeqForUID(resp, copyuid.To[0].First)
	m.DropPlacement(src.Mailbox)
	m.SetPlacement(store.Placement{
		Mailbox:     dst,
		UIDValidity: copyuid.DestUIDValidity,
		UID:         copyuid.To[0].First,
		ModSeq:      newModSeq,
		Tags:        append([]string{}, m.Tags...),
	})
	root.BumpHighestModSeq(dst, newModSeq)
	sum.Moved++
	return false, store.Save(tx, m)
}
