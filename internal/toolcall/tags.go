package toolcall

import (
	"sort"
	"strings"
)

type tagEvent struct {
	start int
	end   int
	name  string
	open  bool
}

func tagEvents(text string) []tagEvent {
	var events []tagEvent
	for _, m := range openTagPattern().FindAllStringSubmatchIndex(text, -1) {
		events = append(events, tagEvent{start: m[0], end: m[1], name: strings.ToLower(text[m[2]:m[3]]), open: true})
	}
	for _, m := range closeTagPattern().FindAllStringSubmatchIndex(text, -1) {
		events = append(events, tagEvent{start: m[0], end: m[1], name: strings.ToLower(text[m[2]:m[3]])})
	}
	sort.Slice(events, func(i, j int) bool { return events[i].start < events[j].start })
	return events
}

// taggedBlocks returns the payload of every <tool_call>/<tool> region in
// order. An opening tag without a matching close runs to the next opening
// tag or the end of the text.
func taggedBlocks(text string) []string {
	events := tagEvents(text)
	var blocks []string
	for i := 0; i < len(events); i++ {
		open := events[i]
		if !open.open {
			continue
		}
		depth := 1
		closeAt, nextOpen := -1, -1
		for j := i + 1; j < len(events); j++ {
			ev := events[j]
			if ev.open && nextOpen < 0 {
				nextOpen = j
			}
			if ev.name != open.name {
				continue
			}
			if ev.open {
				depth++
				continue
			}
			depth--
			if depth == 0 {
				closeAt = j
				break
			}
		}
		switch {
		case closeAt >= 0:
			blocks = append(blocks, text[open.end:events[closeAt].start])
			i = closeAt
		case nextOpen >= 0:
			blocks = append(blocks, text[open.end:events[nextOpen].start])
			i = nextOpen - 1
		default:
			blocks = append(blocks, text[open.end:])
			return blocks
		}
	}
	return blocks
}
