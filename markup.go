package comms

import "regexp"

// SegmentKind discriminates the markup union.
type SegmentKind int

const (
	SegPlain SegmentKind = iota
	SegMention
	SegSticker
	SegLink
)

// Segment is one typed span of a message body. Bodies are tokenized once
// when a message enters the store, not re-parsed per render.
type Segment struct {
	Kind SegmentKind
	Text string
	// Ref holds the mention handle (without "@") or the sticker name
	// (without colons). Empty for plain text and links.
	Ref string
}

var markupPattern = regexp.MustCompile(`@[A-Za-z0-9_.-]+|:[a-z0-9_+-]+:|https?://[^\s]+`)

// normalizeBody splits a message body into typed segments.
func normalizeBody(body string) []Segment {
	if body == "" {
		return nil
	}
	matches := markupPattern.FindAllStringIndex(body, -1)
	if len(matches) == 0 {
		return []Segment{{Kind: SegPlain, Text: body}}
	}

	var segs []Segment
	last := 0
	for _, m := range matches {
		if m[0] > last {
			segs = append(segs, Segment{Kind: SegPlain, Text: body[last:m[0]]})
		}
		tok := body[m[0]:m[1]]
		switch {
		case tok[0] == '@':
			segs = append(segs, Segment{Kind: SegMention, Text: tok, Ref: tok[1:]})
		case tok[0] == ':':
			segs = append(segs, Segment{Kind: SegSticker, Text: tok, Ref: tok[1 : len(tok)-1]})
		default:
			segs = append(segs, Segment{Kind: SegLink, Text: tok})
		}
		last = m[1]
	}
	if last < len(body) {
		segs = append(segs, Segment{Kind: SegPlain, Text: body[last:]})
	}
	return segs
}
