// Package tagmap translates between IMAP flags and the tag vocabulary the
// bookkeeping store persists, following a mapping that is bijective where
// IMAP defines a standard flag and conventional (lowercased keyword)
// everywhere else.
package tagmap

import (
	"fmt"
	"sort"
	"strings"
)

const (
	TagUnread  = "unread"
	TagReplied = "replied"
	TagFlagged = "flagged"
	TagDraft   = "draft"
	TagDeleted = "deleted"
	TagSpam    = "spam"

	FlagSeen     = `\Seen`
	FlagAnswered = `\Answered`
	FlagFlagged  = `\Flagged`
	FlagDraft    = `\Draft`
	FlagDeleted  = `\Deleted`
	KeywordJunk  = "$Junk"

	// internalPrefix marks a tag as local-only bookkeeping, never
	// reflected onto the server as a flag.
	internalPrefix = "internal"
)

// accountPrefix returns the "$id." prefix tags belonging to account id
// carry; those are never sent to the server either.
func accountPrefix(accountID int64) string {
	return fmt.Sprintf("%d.", accountID)
}

// Internal reports whether tag is local-only bookkeeping for accountID:
// it either starts with "internal" or with the account's own "$id."
// prefix.
func Internal(tag string, accountID int64) bool {
	return strings.HasPrefix(tag, internalPrefix) || strings.HasPrefix(tag, accountPrefix(accountID))
}

// FlagsToTags converts a server flag set (standard flags and keywords) to
// the tag set the store persists. mailbox is consulted only to special
// case the conventional ".Junk" mailbox-as-spam-indicator some servers
// use instead of the $Junk keyword.
func FlagsToTags(flags []string, mailbox string) []string {
	tags := map[string]bool{
		TagUnread: true, // inverted: present unless \Seen is in flags.
	}
	for _, f := range flags {
		switch f {
		case FlagSeen:
			delete(tags, TagUnread)
		case FlagAnswered:
			tags[TagReplied] = true
		case FlagFlagged:
			tags[TagFlagged] = true
		case FlagDraft:
			tags[TagDraft] = true
		case FlagDeleted:
			tags[TagDeleted] = true
		case KeywordJunk:
			tags[TagSpam] = true
		default:
			tags[strings.ToLower(f)] = true
		}
	}
	if strings.EqualFold(mailbox, ".Junk") || strings.EqualFold(mailbox, "Junk") {
		tags[TagSpam] = true
	}
	return sortedKeys(tags)
}

// TagsToFlags converts a tag set into the flags a server should see for a
// message with those tags, dropping internal/account-prefixed tags that
// never leave the local store.
func TagsToFlags(tags []string, accountID int64) []string {
	have := map[string]bool{}
	for _, t := range tags {
		have[t] = true
	}
	flags := map[string]bool{}
	if !have[TagUnread] {
		flags[FlagSeen] = true
	}
	for t := range have {
		if Internal(t, accountID) || t == TagUnread {
			continue
		}
		switch t {
		case TagReplied:
			flags[FlagAnswered] = true
		case TagFlagged:
			flags[FlagFlagged] = true
		case TagDraft:
			flags[FlagDraft] = true
		case TagDeleted:
			flags[FlagDeleted] = true
		case TagSpam:
			flags[KeywordJunk] = true
		default:
			flags[t] = true
		}
	}
	return sortedKeys(flags)
}

// Diff returns the flags to add and remove to turn a message carrying
// cached (the tag set last reconciled with the server) into one carrying
// current, expressed as flags rather than tags since that's the
// vocabulary UID STORE speaks.
func Diff(cached, current []string, accountID int64) (add, remove []string) {
	cachedFlags := asSet(TagsToFlags(cached, accountID))
	currentFlags := asSet(TagsToFlags(current, accountID))
	for f := range currentFlags {
		if !cachedFlags[f] {
			add = append(add, f)
		}
	}
	for f := range cachedFlags {
		if !currentFlags[f] {
			remove = append(remove, f)
		}
	}
	sort.Strings(add)
	sort.Strings(remove)
	return add, remove
}

func asSet(l []string) map[string]bool {
	m := make(map[string]bool, len(l))
	for _, s := range l {
		m[s] = true
	}
	return m
}

func sortedKeys(m map[string]bool) []string {
	l := make([]string, 0, len(m))
	for k := range m {
		l = append(l, k)
	}
	sort.Strings(l)
	return l
}
