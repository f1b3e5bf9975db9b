package imapclient

import (
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mjl-/sin/mlog"
)

// Capability writes the IMAP4 "CAPABILITY" command, requesting a list of
// capabilities from the server. They are returned in an UntaggedCapability
// response. The server also sends capabilities in initial server greeting, in the
// response code.
func (c *Conn) Capability() (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("capability")
}

// Logout ends the IMAP4 session by writing an IMAP "LOGOUT" command. [Conn.Close]
// must still be called on this client to close the socket.
func (c *Conn) Logout() (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("logout")
}

// AuthenticatePlain executes the AUTHENTICATE command with SASL mechanism "PLAIN",
// sending the password in plain text password to the server.
//
// Required capability: "AUTH=PLAIN"
func (c *Conn) AuthenticatePlain(username, password string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)

	err := c.WriteCommandf("", "authenticate plain")
	c.xcheckf(err, "writing authenticate command")
	_, rerr = c.readContinuation()
	c.xresponse(rerr, &resp)

	defer c.xtracewrite(mlog.LevelTraceauth)()
	xw := base64.NewEncoder(base64.StdEncoding, c.xbw)
	fmt.Fprintf(xw, "\x00%s\x00%s", username, password)
	xw.Close()
	c.xtracewrite(mlog.LevelTrace) // Restore.
	fmt.Fprintf(c.xbw, "\r\n")
	c.xflush()
	return c.responseOK()
}

// Enable enables capabilities for use with the connection by executing the IMAP4 "ENABLE" command.
//
// Required capability: "ENABLE" or "IMAP4rev2"
func (c *Conn) Enable(capabilities ...Capability) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)

	var caps strings.Builder
	for _, c := range capabilities {
		caps.WriteString(" " + string(c))
	}
	return c.transactf("enable%s", caps.String())
}

// SelectQresync opens mailbox with the IMAP4 "SELECT" command extended with
// the QRESYNC resynchronization parameters (RFC 7162), driving an RFC
// 4549-style quick resync: the server compares uidValidity and modSeq
// against its own state and, instead of re-sending the full mailbox
// contents, sends only an untagged VANISHED (EARLIER) response for UIDs that
// disappeared since modSeq and untagged FETCH responses (with MODSEQ) for
// messages that changed.
//
// If knownUIDs is non-empty, it is sent as the known-uids parameter so a
// VANISHED response, if any, is scoped to that set rather than the whole
// mailbox.
//
// Required capability: "QRESYNC".
func (c *Conn) SelectQresync(mailbox string, uidValidity uint32, modSeq int64, knownUIDs string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	if knownUIDs == "" {
		return c.transactf("select %s (qresync (%d %d))", astring(mailbox), uidValidity, modSeq)
	}
	return c.transactf("select %s (qresync (%d %d %s))", astring(mailbox), uidValidity, modSeq, knownUIDs)
}

// ListFull lists mailboxes using the LIST command with the extended LIST
// syntax requesting all supported data.
//
// Required capability: "LIST-EXTENDED". If "IMAP4rev2" is announced, the command
// is also available but only with a single pattern.
//
// Pattern can contain * (match any) or % (match any except hierarchy delimiter).
func (c *Conn) ListFull(subscribedOnly bool, patterns ...string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	var subscribedStr string
	if subscribedOnly {
		subscribedStr = "subscribed recursivematch"
	}
	for i, s := range patterns {
		patterns[i] = astring(s)
	}
	return c.transactf(`list (%s) "" (%s) return (subscribed children special-use status (messages uidnext uidvalidity unseen deleted size recent appendlimit))`, subscribedStr, strings.Join(patterns, " "))
}

// Namespace requests the hiearchy separator using the IMAP4 "NAMESPACE" command.
//
// Required capability: "NAMESPACE" or "IMAP4rev2".
//
// Server will return an UntaggedNamespace response with personal/shared/other
// namespaces if present.
func (c *Conn) Namespace() (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("namespace")
}

// Append represents a parameter to the IMAP4 "APPEND" command, for adding a
// message to a mailbox.
type Append struct {
	Flags    []string   // Optional, flags for the new message.
	Received *time.Time // Optional, the INTERNALDATE field, typically time at which a message was received.
	Size     int64
	Data     io.Reader // Required, must return Size bytes.
}

// Append adds message to mailbox with flags and optional receive time using the
// IMAP4 "APPEND" command.
func (c *Conn) Append(mailbox string, message Append) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)

	fmt.Fprintf(c.xbw, "%s append %s", c.nextTag(), astring(mailbox))

	var date string
	if message.Received != nil {
		date = ` "` + message.Received.Format("_2-Jan-2006 15:04:05 -0700") + `"`
	}

	fmt.Fprintf(c.xbw, " (%s)%s {%d+}\r\n", strings.Join(message.Flags, " "), date, message.Size)
	defer c.xtracewrite(mlog.LevelTracedata)()
	_, err := io.Copy(c.xbw, message.Data)
	c.xcheckf(err, "write message data")
	c.xtracewrite(mlog.LevelTrace) // Restore

	fmt.Fprintf(c.xbw, "\r\n")
	c.xflush()
	return c.responseOK()
}

// Note: No MSN/non-UID search or store command; sin only ever operates on UIDs.

// UIDFetch requests message data for the messages in uidSet using the IMAP4
// "UID FETCH" command. items is the fetch attribute list without enclosing
// parentheses, e.g. "UID FLAGS INTERNALDATE RFC822.SIZE BODY.PEEK[]". Results
// arrive as UntaggedFetch responses in resp.Untagged, which callers parse
// with the FetchAttr implementations in this package.
func (c *Conn) UIDFetch(uidSet string, items string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("uid fetch %s (%s)", uidSet, items)
}

// UIDStoreFlagsAddSince adds flags to the messages in uidSet, but only
// applies if a message's MODSEQ has not advanced past unchangedSince, using
// the CONDSTORE "UNCHANGEDSINCE" store modifier. If the server declines
// because the message was modified in the meantime, it reports the
// conflicting UIDs in a CodeModified response code on an otherwise-OK
// response; resp.Result.Code should be checked for that case even when
// rerr is nil.
//
// Required capability: "CONDSTORE" or "QRESYNC".
func (c *Conn) UIDStoreFlagsAddSince(uidSet string, unchangedSince int64, flags ...string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("uid store %s (unchangedsince %d) +flags (%s)", uidSet, unchangedSince, strings.Join(flags, " "))
}

// UIDStoreFlagsClearSince is like UIDStoreFlagsAddSince, but removes flags.
//
// Required capability: "CONDSTORE" or "QRESYNC".
func (c *Conn) UIDStoreFlagsClearSince(uidSet string, unchangedSince int64, flags ...string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("uid store %s (unchangedsince %d) -flags (%s)", uidSet, unchangedSince, strings.Join(flags, " "))
}

// UIDMove moves the messages in uidSet to destMailbox using the IMAP4 "UID
// MOVE" command.
//
// Required capability: "MOVE" or "IMAP4rev2".
func (c *Conn) UIDMove(uidSet string, destMailbox string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("uid move %s %s", uidSet, astring(destMailbox))
}
