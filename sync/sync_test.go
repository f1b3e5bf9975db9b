package sync

import (
	"reflect"
	"testing"

	"github.com/mjl-/sin/imapclient"
	"github.com/mjl-/sin/maildir"
	"github.com/mjl-/sin/tagmap"
)

func TestFetchTriples(t *testing.T) {
	resp := imapclient.Response{
		Untagged: []imapclient.Untagged{
			imapclient.UntaggedUIDFetch{
				UID: 5,
				Attrs: []imapclient.FetchAttr{
					imapclient.FetchFlags{`\Seen`, `\Flagged`},
					imapclient.FetchModSeq(42),
				},
			},
			imapclient.UntaggedUIDFetch{
				UID: 3,
				Attrs: []imapclient.FetchAttr{
					imapclient.FetchFlags{`\Seen`},
					imapclient.FetchModSeq(7),
				},
			},
			imapclient.UntaggedExists(10), // not a FETCH, must be ignored
		},
	}

	got := fetchTriples(resp)
	want := []fetchTriple{
		{UID: 3, Flags: []string{`\Seen`}, ModSeq: 7},
		{UID: 5, Flags: []string{`\Seen`, `\Flagged`}, ModSeq: 42},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("fetchTriples = %#v, want %#v", got, want)
	}
}

func TestFetchTriplesSkipsZeroUID(t *testing.T) {
	resp := imapclient.Response{
		Untagged: []imapclient.Untagged{
			imapclient.UntaggedFetch{
				Seq:   1,
				Attrs: []imapclient.FetchAttr{imapclient.FetchFlags{`\Seen`}},
			},
		},
	}
	if got := fetchTriples(resp); len(got) != 0 {
		t.Fatalf("fetchTriples = %#v, want empty, a FETCH without a UID attr can't be placed", got)
	}
}

func TestVanishedUIDs(t *testing.T) {
	last8 := uint32(8)
	resp := imapclient.Response{
		Untagged: []imapclient.Untagged{
			imapclient.UntaggedVanished{
				Earlier: true,
				UIDs: imapclient.NumSet{
					Ranges: []imapclient.NumRange{
						{First: 6, Last: &last8},
						{First: 2},
					},
				},
			},
			imapclient.UntaggedVanished{
				Earlier: false, // not EARLIER, must be ignored
				UIDs:    imapclient.NumSet{Ranges: []imapclient.NumRange{{First: 99}}},
			},
		},
	}

	got := vanishedUIDs(resp)
	want := []uint32{2, 6, 7, 8}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("vanishedUIDs = %v, want %v", got, want)
	}
}

func TestUidValidityAndHighestModSeqOf(t *testing.T) {
	resp := imapclient.Response{
		Result: imapclient.Result{
			Code: imapclient.CodeUIDValidity(123),
		},
	}
	if got := uidValidityOf(resp); got != 123 {
		t.Fatalf("uidValidityOf = %d, want 123", got)
	}
	if got := highestModSeqOf(resp); got != 0 {
		t.Fatalf("highestModSeqOf = %d, want 0, no such code present", got)
	}

	resp2 := imapclient.Response{
		Untagged: []imapclient.Untagged{
			imapclient.UntaggedResult(imapclient.Result{Code: imapclient.CodeHighestModSeq(99)}),
		},
	}
	if got := highestModSeqOf(resp2); got != 99 {
		t.Fatalf("highestModSeqOf = %d, want 99, carried on an untagged OK result", got)
	}
}

func TestCodeOfFindsUntaggedResult(t *testing.T) {
	resp := imapclient.Response{
		Untagged: []imapclient.Untagged{
			imapclient.UntaggedResult(imapclient.Result{Code: imapclient.CodeModified(imapclient.NumSet{})}),
		},
	}
	if _, ok := codeOf[imapclient.CodeModified](resp); !ok {
		t.Fatalf("codeOf[CodeModified] = not found, want found on untagged OK [MODIFIED]")
	}
	if _, ok := codeOf[imapclient.CodeAppendUID](resp); ok {
		t.Fatalf("codeOf[CodeAppendUID] = found, want not found")
	}
}

func TestModSeqForUID(t *testing.T) {
	resp := imapclient.Response{
		Untagged: []imapclient.Untagged{
			imapclient.UntaggedFetch{
				Seq: 3,
				Attrs: []imapclient.FetchAttr{
					imapclient.FetchUID(7),
					imapclient.FetchFlags{`\Flagged`},
					imapclient.FetchModSeq(55),
				},
			},
		},
	}
	if got := modSeqForUID(resp, 7); got != 55 {
		t.Fatalf("modSeqForUID = %d, want 55 (MODSEQ arrives on the FETCH payload, not a response code)", got)
	}
	if got := modSeqForUID(resp, 8); got != 0 {
		t.Fatalf("modSeqForUID(unmatched uid) = %d, want 0", got)
	}
}

func TestMaildirFlagsRoundTrip(t *testing.T) {
	tags := []string{tagmap.TagReplied, tagmap.TagFlagged}
	flags := maildirFlags(tags)

	want := []maildir.Flag{maildir.FlagSeen, maildir.FlagReplied, maildir.FlagFlagged}
	if !reflect.DeepEqual(flags, want) {
		t.Fatalf("maildirFlags(%v) = %v, want %v (no TagUnread means \\Seen)", tags, flags, want)
	}

	back := tagsFromMaildirFlags(flags)
	wantBack := []string{tagmap.TagReplied, tagmap.TagFlagged}
	if !reflect.DeepEqual(back, wantBack) {
		t.Fatalf("tagsFromMaildirFlags(%v) = %v, want %v", flags, back, wantBack)
	}
}

func TestMaildirFlagsUnread(t *testing.T) {
	tags := []string{tagmap.TagUnread}
	flags := maildirFlags(tags)
	if len(flags) != 0 {
		t.Fatalf("maildirFlags(%v) = %v, want empty (an unread message carries no \\Seen)", tags, flags)
	}
	back := tagsFromMaildirFlags(flags)
	if !reflect.DeepEqual(back, []string{tagmap.TagUnread}) {
		t.Fatalf("tagsFromMaildirFlags(%v) = %v, want [%s]", flags, back, tagmap.TagUnread)
	}
}

func TestDesiredMailbox(t *testing.T) {
	tags := []string{"unread", mailboxTagPrefix + "Archive", "internal.3"}
	dst, ok := desiredMailbox(tags)
	if !ok || dst != "Archive" {
		t.Fatalf("desiredMailbox(%v) = %q, %v, want Archive, true", tags, dst, ok)
	}

	if _, ok := desiredMailbox([]string{"unread"}); ok {
		t.Fatalf("desiredMailbox found a mailbox tag where there was none")
	}
}

func TestParseMessageID(t *testing.T) {
	body := []byte("Message-Id: <abc@example.com>\r\nSubject: hi\r\n\r\nbody\r\n")
	if got := parseMessageID("INBOX", 1, body); got != "<abc@example.com>" {
		t.Fatalf("parseMessageID = %q, want <abc@example.com>", got)
	}

	noID := []byte("Subject: hi\r\n\r\nbody\r\n")
	got := parseMessageID("INBOX", 7, noID)
	want := "<no-message-id.inbox.7@sin.local>"
	if got != want {
		t.Fatalf("parseMessageID (fallback) = %q, want %q", got, want)
	}
}

func TestWireErr(t *testing.T) {
	if wireErr("select", nil) != nil {
		t.Fatalf("wireErr(op, nil) must return nil")
	}
	err := wireErr("select", imapclient.ErrMissing)
	if err == nil {
		t.Fatalf("wireErr(op, err) must wrap a non-nil error")
	}
}
