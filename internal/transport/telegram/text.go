package telegram

import (
	"fmt"
	"strconv"
	"strings"

	kit "remindbot/internal/transport"
)

const textLimit = 4000

// FormatContact renders a chat (and optional forum topic) as a contact
// string: "<chat_id>" or "<chat_id>:<thread_id>".
func FormatContact(chatID int64, threadID int) string {
	if threadID == 0 {
		return strconv.FormatInt(chatID, 10)
	}
	return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(threadID)
}

func ParseContact(contact string) (chatID int64, threadID int, err error) {
	contact = strings.TrimSpace(contact)
	head, tail, hasThread := strings.Cut(contact, ":")
	chatID, err = strconv.ParseInt(head, 10, 64)
	if err != nil || chatID == 0 {
		return 0, 0, fmt.Errorf("%w: %q", kit.ErrUnknownContact, contact)
	}
	if hasThread {
		threadID, err = strconv.Atoi(tail)
		if err != nil || threadID < 0 {
			return 0, 0, fmt.Errorf("%w: bad thread in %q", kit.ErrUnknownContact, contact)
		}
	}
	return chatID, threadID, nil
}

// splitText splits long messages into chunks Telegram accepts. It prefers
// newline boundaries and, for HTML, avoids cutting inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// avoid tiny chunks
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
