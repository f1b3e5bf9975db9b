// Package sync drives the two operations the rest of sin exists to
// support: pulling server-side IMAP state into the local tag database and
// maildir tree, and pushing local tag edits and new messages back out.
// Both operate against exactly one mailbox account at a time, inside a
// single bstore transaction, per the one-session-one-database model the
// command line builds for every run.
package sync

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/mail"
	"sort"
	"strconv"
	"strings"

	"github.com/mjl-/sin/imapclient"
	"github.com/mjl-/sin/maildir"
	"github.com/mjl-/sin/mlog"
	"github.com/mjl-/sin/synerr"
	"github.com/mjl-/sin/tagmap"
)

// Summary collects the counters a run logs at Info level when it finishes,
// per the ambient per-run reporting the rest of the CLI provides.
type Summary struct {
	MailboxesSeen  int
	Fetched        int // Server messages newly recorded in a mailbox (staged, or placed on an already known message).
	FlagsFromServer int // Messages whose local tags changed from a server FETCH.
	Vanished       int // Placements removed because of VANISHED.
	Appended       int // New local messages pushed with APPEND.
	FlagsToServer  int // STORE commands issued for local tag changes.
	Moved          int // UID MOVE commands issued.
	Conflicts      int // MODIFIED responses hit during STORE.
}

func (s Summary) Fields() []mlog.Pair {
	return []mlog.Pair{
		mlog.Field("mailboxes", s.MailboxesSeen),
		mlog.Field("fetched", s.Fetched),
		mlog.Field("flags_from_server", s.FlagsFromServer),
		mlog.Field("vanished", s.Vanished),
		mlog.Field("appended", s.Appended),
		mlog.Field("flags_to_server", s.FlagsToServer),
		mlog.Field("moved", s.Moved),
		mlog.Field("conflicts", s.Conflicts),
	}
}

// pending is a staged-but-not-yet-published maildir write, applied only
// after the enclosing transaction commits, so a crash mid-run leaves a
// harmless tmp file rather than a half-recorded message.
type pending struct {
	dir   maildir.Dir
	key   string
	flags []maildir.Flag
}

func (p pending) apply() error {
	_, err := p.dir.Publish(p.key, p.flags)
	return err
}

// pendingRemoval is a maildir file to delete after commit, deferred to the
// end of the whole run (not just the owning mailbox) so a message moved
// between two managed mailboxes between runs is reconciled as a placement
// update instead of a delete-then-recreate, matching the end-of-run
// removal pass the prior-language implementation of this synchronizer
// used for the same reason.
type pendingRemoval struct {
	dir maildir.Dir
	rel string
}

func (p pendingRemoval) apply() error {
	return p.dir.Remove(p.rel)
}

// codeOf returns the first response code of type T found on resp's tagged
// result or any of its untagged OK/result lines, e.g. CodeUIDValidity or
// CodeHighestModSeq carried on a SELECT response.
func codeOf[T imapclient.Code](resp imapclient.Response) (T, bool) {
	if c, ok := resp.Code.(T); ok {
		return c, true
	}
	for _, u := range imapclient.UntaggedResponseList[imapclient.UntaggedResult](resp) {
		if c, ok := u.Code.(T); ok {
			return c, true
		}
	}
	var zero T
	return zero, false
}

// fetchTriple is the (uid, flags, modseq) a QRESYNC SELECT or UID FETCH
// response carries for one message.
type fetchTriple struct {
	UID    uint32
	Flags  []string
	ModSeq int64
}

// fetchTriples extracts one fetchTriple per untagged FETCH/UID FETCH
// response in resp, sorted by UID ascending so callers get the
// deterministic tie-break order the pull algorithm requires.
func fetchTriples(resp imapclient.Response) []fetchTriple {
	var out []fetchTriple
	for _, u := range resp.Untagged {
		var uid uint32
		var attrs []imapclient.FetchAttr
		switch x := u.(type) {
		case imapclient.UntaggedFetch:
			attrs = x.Attrs
		case imapclient.UntaggedUIDFetch:
			uid = x.UID
			attrs = x.Attrs
		default:
			continue
		}
		t := fetchTriple{UID: uid}
		for _, a := range attrs {
			switch v := a.(type) {
			case imapclient.FetchUID:
				t.UID = uint32(v)
			case imapclient.FetchFlags:
				t.Flags = []string(v)
			case imapclient.FetchModSeq:
				t.ModSeq = int64(v)
			}
		}
		if t.UID != 0 {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// vanishedUIDs returns every UID named by an untagged VANISHED (EARLIER)
// response in resp, ascending and deduplicated.
func vanishedUIDs(resp imapclient.Response) []uint32 {
	var out []uint32
	for _, v := range imapclient.UntaggedResponseList[imapclient.UntaggedVanished](resp) {
		if !v.Earlier {
			continue
		}
		for _, r := range v.UIDs.Ranges {
			last := r.First
			if r.Last != nil {
				last = *r.Last
			}
			for uid := r.First; uid <= last; uid++ {
				out = append(out, uid)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	dedup := out[:0]
	for i, uid := range out {
		if i == 0 || uid != out[i-1] {
			dedup = append(dedup, uid)
		}
	}
	return dedup
}

// uidValidityOf extracts the UIDVALIDITY response code from resp, or 0 if
// absent (which never happens on a successful SELECT, but callers treat
// absence as "retry" regardless).
func uidValidityOf(resp imapclient.Response) uint32 {
	c, _ := codeOf[imapclient.CodeUIDValidity](resp)
	return uint32(c)
}

func highestModSeqOf(resp imapclient.Response) int64 {
	c, _ := codeOf[imapclient.CodeHighestModSeq](resp)
	return int64(c)
}

// modSeqForUID returns the MODSEQ a CONDSTORE STORE or APPEND response
// carries for uid in its untagged FETCH payload (the form the new modseq
// actually arrives in, unlike a response code), or 0 if the server didn't
// send one for that UID.
func modSeqForUID(resp imapclient.Response, uid uint32) int64 {
	for _, t := range fetchTriples(resp) {
		if t.UID == uid {
			return t.ModSeq
		}
	}
	return 0
}

// maildirFlags is the subset of tags that maildir's DFPRST filename
// convention can represent; keyword tags (spam, custom keywords) survive
// only in the database's own tag set, not in the maildir flag suffix, a
// documented limitation of maildir's fixed flag alphabet.
func maildirFlags(tags []string) []maildir.Flag {
	have := map[string]bool{}
	for _, t := range tags {
		have[t] = true
	}
	var flags []maildir.Flag
	if !have[tagmap.TagUnread] {
		flags = append(flags, maildir.FlagSeen)
	}
	if have[tagmap.TagReplied] {
		flags = append(flags, maildir.FlagReplied)
	}
	if have[tagmap.TagFlagged] {
		flags = append(flags, maildir.FlagFlagged)
	}
	if have[tagmap.TagDraft] {
		flags = append(flags, maildir.FlagDraft)
	}
	if have[tagmap.TagDeleted] {
		flags = append(flags, maildir.FlagTrashed)
	}
	return flags
}

// mailboxTagPrefix marks a tag naming the mailbox a message is meant to
// live in, e.g. "internalmailbox:Archive". It is how push learns a
// message should move: the typed Placement/Message split this package
// uses needs an explicit "intended mailbox" signal distinct from
// "confirmed server placement", and a tag is the natural place for it
// since it is already internal (the "internal" prefix keeps tagmap from
// ever sending it to the server as a flag).
const mailboxTagPrefix = "internalmailbox:"

// desiredMailbox returns the mailbox named by a mailboxTagPrefix tag, if
// any.
func desiredMailbox(tags []string) (string, bool) {
	for _, t := range tags {
		if strings.HasPrefix(t, mailboxTagPrefix) {
			return strings.TrimPrefix(t, mailboxTagPrefix), true
		}
	}
	return "", false
}

// tagsFromMaildirFlags is the inverse of maildirFlags, used when the local
// maildir scan discovers a file the database has never recorded and needs
// to derive its initial tag set from the flags already in its filename.
func tagsFromMaildirFlags(flags []maildir.Flag) []string {
	have := map[maildir.Flag]bool{}
	for _, f := range flags {
		have[f] = true
	}
	tags := []string{}
	if !have[maildir.FlagSeen] {
		tags = append(tags, tagmap.TagUnread)
	}
	if have[maildir.FlagReplied] {
		tags = append(tags, tagmap.TagReplied)
	}
	if have[maildir.FlagFlagged] {
		tags = append(tags, tagmap.TagFlagged)
	}
	if have[maildir.FlagDraft] {
		tags = append(tags, tagmap.TagDraft)
	}
	if have[maildir.FlagTrashed] {
		tags = append(tags, tagmap.TagDeleted)
	}
	return tags
}

// parseMessageID extracts the RFC 5322 Message-ID header from a fetched
// message body, falling back to a synthetic identity scoped to the
// mailbox and UID for messages lacking one (rare, but not disallowed by
// the standard).
func parseMessageID(mailbox string, uid uint32, body []byte) string {
	m, err := mail.ReadMessage(strings.NewReader(string(body)))
	if err == nil {
		if id := strings.TrimSpace(m.Header.Get("Message-Id")); id != "" {
			return id
		}
	}
	return fmt.Sprintf("<no-message-id.%s.%d@sin.local>", strings.ToLower(mailbox), uid)
}

// wireErr wraps an IMAP command failure (network or protocol) into the
// synerr taxonomy the command line reports exit codes from.
func wireErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &synerr.Transport{Op: op, Err: err}
	}
	return &synerr.Protocol{Op: op, Err: err}
}

func uidSet(uid uint32) string {
	return strconv.FormatUint(uint64(uid), 10)
}
