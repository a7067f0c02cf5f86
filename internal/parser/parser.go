// SPDX-License-Identifier: AGPL-3.0-only
package parser

import (
	"log"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Post is one normalized feed entry, or one quoted sub-entry extracted from
// inside another post's fragment.
type Post struct {
	ID          string   `json:"id"`
	Text        string   `json:"text"`
	Attachments []string `json:"attachments"`
	HasQuote    bool     `json:"hasQuote"`
	IDQuote     string   `json:"idQuote"`
	IsQuoted    bool     `json:"isQuoted"`
}

var (
	repostRe     = regexp.MustCompile(`(?i)repost`)
	whitespaceRe = regexp.MustCompile(`\s+`)
	extensionRe  = regexp.MustCompile(`\.[^.]+$`)
)

const pinnedMarker = `[data-text="Pinned gab"]`

// Fragments returns the feed's post fragments in document order.
func Fragments(doc *goquery.Document, selector string) []*goquery.Selection {
	var frags []*goquery.Selection
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		frags = append(frags, s)
	})
	return frags
}

// FilterPinned drops fragments carrying the pinned-post marker, so a pinned
// post is never mistaken for a fresh one.
func FilterPinned(frags []*goquery.Selection) []*goquery.Selection {
	out := make([]*goquery.Selection, 0, len(frags))
	for _, f := range frags {
		if f.Find(pinnedMarker).Length() != 0 {
			continue
		}
		out = append(out, f)
	}
	return out
}

// ParseAll normalizes a snapshot's fragments into Posts. A fragment's shape is
// classified by its id-marker count: zero markers is a non-post element, one a
// plain post, two a post quoting another. Anything above two is logged and
// discarded without touching the rest of the batch. Quoted sub-entries are
// appended after all primary posts, in discovery order.
func ParseAll(frags []*goquery.Selection) []Post {
	var posts []Post
	var quoted []Post

	for _, f := range frags {
		switch markers := f.Find("[data-id]").Length(); markers {
		case 0:
			// non-post feed element
		case 1:
			posts = append(posts, parsePlain(f))
		case 2:
			p, q := parseQuoting(f)
			posts = append(posts, p)
			if q != nil {
				quoted = append(quoted, *q)
			}
		default:
			log.Printf("Parser: fragment with %d id markers, discarding", markers)
		}
	}

	return append(posts, quoted...)
}

// parsePlain runs the plain extraction steps. Every step is fault-isolated: a
// step that finds nothing leaves its field at the empty value and the sibling
// fields untouched.
func parsePlain(e *goquery.Selection) Post {
	p := Post{Attachments: []string{}}

	id, ok := e.Find("div").Eq(3).Attr("data-id")
	if !ok {
		log.Println("Parser: fragment without a readable id")
	}
	p.ID = id

	stripRepost(e)
	p.Text = extractText(e)
	p.Attachments = extractAttachments(e.Find("[data-container]"))

	return p
}

// parseQuoting extracts the quoting post itself plus the one quoted post
// nested inside its fragment. Nesting is fixed at one level: the quoted
// fragment is always extracted with the plain path.
func parseQuoting(e *goquery.Selection) (Post, *Post) {
	p := Post{HasQuote: true, Attachments: []string{}}

	id, ok := e.Find("div").Eq(3).Attr("data-id")
	if !ok {
		log.Println("Parser: quoting fragment without a readable id")
	}
	p.ID = id

	stripRepost(e)
	p.Text = extractText(e)

	// Attachment containers inside the quote are also visible from here, so a
	// quoting post without media of its own carries fewer children under the
	// id node and must not claim the quote's media.
	if totChildren := e.Find("div").Eq(3).Children().Length(); totChildren >= 5 {
		p.Attachments = extractAttachments(e.Find("[data-container]"))
	}

	q := extractQuoted(e)
	if q == nil || q.ID == "" {
		// Without a resolvable quoted id the record degrades to a plain post.
		log.Printf("Parser: could not extract quote for post %q", p.ID)
		p.HasQuote = false
		return p, nil
	}

	q.IsQuoted = true
	p.IDQuote = q.ID
	return p, q
}

// extractQuoted walks from the header node to the quote wrapper, which sits
// second-to-last among the id node's children, and runs the plain extraction
// on the fragment nested inside it.
func extractQuoted(e *goquery.Selection) *Post {
	totChildren := e.Find("div").Eq(3).Children().Length()

	node := e.Find("div").Eq(4)
	for i := 0; i < totChildren-2; i++ {
		node = node.Next()
	}

	inner := node.Children().Children()
	if inner.Length() == 0 {
		return nil
	}

	q := parsePlain(inner)
	return &q
}

// stripRepost removes the repost label so the text traversal below starts from
// the same offset for original and reposted entries.
func stripRepost(e *goquery.Selection) {
	header := e.Find("div").Eq(4)
	if repostRe.MatchString(header.Text()) {
		header.Remove()
	}
}

func extractText(e *goquery.Selection) string {
	if e.Find("[lang]").Length() == 0 {
		return ""
	}
	text := e.Find("div").Eq(4).Next().Children().Children().Text()
	return whitespaceRe.ReplaceAllString(text, " ")
}

// extractAttachments collects media URLs in document order, preferring a video
// source over an image one. A container with a "playable" indicator holds a
// thumbnail; its URL is rewritten to the full media variant.
func extractAttachments(containers *goquery.Selection) []string {
	urls := []string{}
	containers.Each(func(_ int, c *goquery.Selection) {
		var link string
		var ok bool
		if c.Find("video").Length() != 0 {
			link, ok = c.Find("video").Attr("src")
		} else {
			link, ok = c.Find("img").Attr("src")
		}
		if !ok || link == "" {
			log.Println("Parser: attachment container without a source, skipping")
			return
		}

		if c.Find("i").Length() != 0 {
			link = strings.Replace(link, "/small/", "/playable/", 1)
			link = extensionRe.ReplaceAllString(link, ".mp4")
		}

		urls = append(urls, link)
	})
	return urls
}
