package tagmap

import (
	"reflect"
	"sort"
	"testing"
)

func TestFlagsToTagsUnreadIsInverted(t *testing.T) {
	tags := FlagsToTags(nil, "INBOX")
	if !contains(tags, TagUnread) {
		t.Fatalf("expected unread tag for a message without \\Seen, got %v", tags)
	}

	tags = FlagsToTags([]string{FlagSeen}, "INBOX")
	if contains(tags, TagUnread) {
		t.Fatalf("expected no unread tag once \\Seen is set, got %v", tags)
	}
}

func TestFlagsToTagsStandardFlags(t *testing.T) {
	tags := FlagsToTags([]string{FlagSeen, FlagAnswered, FlagFlagged, FlagDraft, FlagDeleted}, "INBOX")
	want := []string{TagDeleted, TagDraft, TagFlagged, TagReplied}
	sort.Strings(want)
	sort.Strings(tags)
	if !reflect.DeepEqual(tags, want) {
		t.Fatalf("got %v, want %v", tags, want)
	}
}

func TestFlagsToTagsJunkKeywordAndMailbox(t *testing.T) {
	tags := FlagsToTags([]string{FlagSeen, KeywordJunk}, "INBOX")
	if !contains(tags, TagSpam) {
		t.Fatalf("expected spam tag from $Junk keyword, got %v", tags)
	}

	tags = FlagsToTags([]string{FlagSeen}, ".Junk")
	if !contains(tags, TagSpam) {
		t.Fatalf("expected spam tag from .Junk mailbox, got %v", tags)
	}
}

func TestFlagsToTagsKeywordPassthrough(t *testing.T) {
	tags := FlagsToTags([]string{FlagSeen, "Important"}, "INBOX")
	if !contains(tags, "important") {
		t.Fatalf("expected lowercased keyword passthrough, got %v", tags)
	}
}

func TestTagsToFlagsRoundTrip(t *testing.T) {
	tags := []string{TagReplied, TagFlagged}
	flags := TagsToFlags(tags, 0)
	want := []string{FlagAnswered, FlagFlagged, FlagSeen}
	sort.Strings(want)
	if !reflect.DeepEqual(flags, want) {
		t.Fatalf("got %v, want %v", flags, want)
	}
}

func TestTagsToFlagsDropsInternalAndAccountPrefixed(t *testing.T) {
	tags := []string{"internal", "0.marker", TagFlagged}
	flags := TagsToFlags(tags, 0)
	for _, f := range flags {
		if f == "internal" || f == "0.marker" {
			t.Fatalf("internal tag leaked into flag set: %v", flags)
		}
	}
	if !contains(flags, FlagFlagged) {
		t.Fatalf("expected flagged flag to survive, got %v", flags)
	}
}

func TestDiff(t *testing.T) {
	cached := []string{TagFlagged}
	current := []string{TagReplied}
	add, remove := Diff(cached, current, 0)
	if !contains(add, FlagAnswered) {
		t.Fatalf("expected %s added, got %v", FlagAnswered, add)
	}
	if !contains(remove, FlagFlagged) {
		t.Fatalf("expected %s removed, got %v", FlagFlagged, remove)
	}
}

func contains(l []string, s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}
