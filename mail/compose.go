package mail

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"cybrary/pkg/forum"
)

// Composer builds notification messages. All header derivation is
// deterministic: composing the same post for the same recipient on the
// same host yields byte-identical output, so repeated renders can be
// deduplicated and compared in tests.
type Composer struct {
	hostname string
	baseURL  string
	fromAddr string
	fromName string
	replyTo  string
}

// NewComposer creates a composer. hostname anchors Message-ID and
// List-Id; baseURL is the public web root used for links.
func NewComposer(hostname, baseURL, fromAddr, fromName, replyTo string) *Composer {
	return &Composer{
		hostname: hostname,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		fromAddr: fromAddr,
		fromName: fromName,
		replyTo:  replyTo,
	}
}

// MessageID derives the deterministic Message-ID for one (post,
// recipient) pair.
func (c *Composer) MessageID(postID, recipientID int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d/%d", postID, recipientID)))
	return fmt.Sprintf("<cy%s@%s>", hex.EncodeToString(sum[:])[:32], c.hostname)
}

// listID identifies the forum as a mailing list for client-side filtering.
func (c *Composer) listID(f *forum.Forum) string {
	return fmt.Sprintf("%s <cybrary-forum-%d@%s>", sanitizeEmailHeader(f.Name), f.ID, c.hostname)
}

// threadIndex encodes the discussion identity and start time the way
// Exchange-lineage clients expect for conversation grouping.
func (c *Composer) threadIndex(d *forum.Discussion, firstPostTime time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d/%d", d.ID, firstPostTime.Unix())))
	return base64.StdEncoding.EncodeToString(sum[:22])
}

// threadHeaders builds the full RFC-822 threading header set. parentChain
// holds the post ids from the discussion root down to the direct parent,
// oldest first; empty for a root post.
func (c *Composer) threadHeaders(f *forum.Forum, d *forum.Discussion, p *forum.Post, parentChain []int64, recipientID int64, firstPostTime time.Time) map[string]string {
	h := map[string]string{
		"Message-ID":   c.MessageID(p.ID, recipientID),
		"List-Id":      c.listID(f),
		"Thread-Topic": sanitizeEmailHeader(d.Name),
		"Thread-Index": c.threadIndex(d, firstPostTime),
		"Precedence":   "bulk",
	}
	if len(parentChain) > 0 {
		refs := make([]string, len(parentChain))
		for i, id := range parentChain {
			refs[i] = c.MessageID(id, recipientID)
		}
		h["In-Reply-To"] = refs[len(refs)-1]
		h["References"] = strings.Join(refs, " ")
	}
	return h
}

// PostMessage composes an immediate notification for one post to one
// recipient.
func (c *Composer) PostMessage(f *forum.Forum, d *forum.Discussion, p *forum.Post, author, recipient *forum.User, parentChain []int64, firstPostTime time.Time) *forum.Message {
	subject := d.Name
	if p.ParentID != 0 {
		subject = "Re: " + d.Name
	}

	var b strings.Builder
	writeDocumentHead(&b)
	writePost(&b, c.baseURL, d, p, author)
	b.WriteString("<div class=\"footer\">\n")
	fmt.Fprintf(&b, "<a href=\"%s\">View discussion</a>\n", escapeHTML(c.discussionURL(d.ID)))
	fmt.Fprintf(&b, "<a href=\"%s\">Unsubscribe</a>\n", escapeHTML(c.unsubscribeURL(f.ID)))
	b.WriteString("</div>\n")
	b.WriteString("</body>\n</html>")

	html := b.String()
	return &forum.Message{
		From:      c.fromAddr,
		FromName:  c.fromName,
		To:        recipient.Email,
		ToName:    recipient.Name,
		ReplyTo:   c.replyTo,
		Subject:   sanitizeEmailHeader(subject),
		PlainBody: htmlToText(html),
		HTMLBody:  html,
		Headers:   c.threadHeaders(f, d, p, parentChain, recipient.ID, firstPostTime),
	}
}

// DigestSection is one discussion's worth of queued posts inside a
// digest, already ordered.
type DigestSection struct {
	Forum        *forum.Forum
	Discussion   *forum.Discussion
	Posts        []*forum.Post
	Authors      map[int64]*forum.User
	SubjectsOnly bool
}

// DigestMessage composes one daily digest from the recipient's queued
// sections, in the order given.
func (c *Composer) DigestMessage(recipient *forum.User, sections []DigestSection, now time.Time) *forum.Message {
	subject := fmt.Sprintf("Forum digest for %s", now.Format("Jan 2, 2006"))

	var b strings.Builder
	writeDocumentHead(&b)
	fmt.Fprintf(&b, "<div class=\"digest-header\"><h2>%s</h2></div>\n", escapeHTML(subject))

	for _, sec := range sections {
		b.WriteString("<div class=\"digest-section\">\n")
		fmt.Fprintf(&b, "<h3><a href=\"%s\">%s</a> <span class=\"forum-name\">in %s</span></h3>\n",
			escapeHTML(c.discussionURL(sec.Discussion.ID)),
			escapeHTML(sec.Discussion.Name),
			escapeHTML(sec.Forum.Name))

		if sec.SubjectsOnly {
			b.WriteString("<ul>\n")
			for _, p := range sec.Posts {
				fmt.Fprintf(&b, "<li><a href=\"%s\">%s</a>%s</li>\n",
					escapeHTML(c.postURL(sec.Discussion.ID, p.ID)),
					escapeHTML(p.Subject),
					escapeHTML(authorSuffix(sec.Authors[p.UserID])))
			}
			b.WriteString("</ul>\n")
		} else {
			for _, p := range sec.Posts {
				writePost(&b, c.baseURL, sec.Discussion, p, sec.Authors[p.UserID])
			}
		}
		b.WriteString("</div>\n")
	}

	b.WriteString("<div class=\"footer\">\n")
	fmt.Fprintf(&b, "<a href=\"%s\">Change digest preferences</a>\n", escapeHTML(c.baseURL+"/preferences"))
	b.WriteString("</div>\n")
	b.WriteString("</body>\n</html>")

	html := b.String()
	return &forum.Message{
		From:      c.fromAddr,
		FromName:  c.fromName,
		To:        recipient.Email,
		ToName:    recipient.Name,
		ReplyTo:   c.replyTo,
		Subject:   sanitizeEmailHeader(subject),
		PlainBody: htmlToText(html),
		HTMLBody:  html,
		Headers: map[string]string{
			"Precedence": "bulk",
		},
	}
}

func authorSuffix(u *forum.User) string {
	if u == nil {
		return ""
	}
	return " - " + u.Name
}

func (c *Composer) discussionURL(discussionID int64) string {
	return fmt.Sprintf("%s/discussion/%d", c.baseURL, discussionID)
}

func (c *Composer) postURL(discussionID, postID int64) string {
	return fmt.Sprintf("%s/discussion/%d#post-%d", c.baseURL, discussionID, postID)
}

func (c *Composer) unsubscribeURL(forumID int64) string {
	return fmt.Sprintf("%s/forum/%d/unsubscribe", c.baseURL, forumID)
}

// writeDocumentHead emits the shared document shell and stylesheet.
func writeDocumentHead(b *strings.Builder) {
	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".post { margin-bottom: 30px; padding-bottom: 30px; border-bottom: 2px solid #2e7d32; }\n")
	b.WriteString(".post:last-of-type { border-bottom: none; padding-bottom: 0; margin-bottom: 0; }\n")
	b.WriteString(".meta { margin-bottom: 12px; }\n")
	b.WriteString(".subject { color: #2e7d32; font-weight: 600; font-size: 1.1em; text-decoration: none; }\n")
	b.WriteString(".author { color: #555; font-weight: 500; }\n")
	b.WriteString(".timestamp { color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString(".content { margin: 15px 0; }\n")
	b.WriteString(".content img { max-width: 100%; height: auto; margin: 10px 0; display: block; }\n")
	b.WriteString(".content blockquote { border-left: 3px solid #ddd; padding-left: 15px; margin: 10px 0; color: #666; font-size: 0.95em; }\n")
	b.WriteString(".digest-section { margin-bottom: 25px; }\n")
	b.WriteString(".forum-name { color: #7f8c8d; font-weight: 400; font-size: 0.85em; }\n")
	b.WriteString(".footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.9em; color: #7f8c8d; }\n")
	b.WriteString(".footer a { color: #7f8c8d; text-decoration: underline; margin: 0 8px; }\n")
	b.WriteString(".footer a:first-child { margin-left: 0; }\n")
	b.WriteString("a { color: #2e7d32; text-decoration: none; }\n")
	b.WriteString("a:hover { text-decoration: underline; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".subject { color: #66bb6a; }\n")
	b.WriteString(".author { color: #b0b0b0; }\n")
	b.WriteString(".timestamp { color: #a0a0a0; }\n")
	b.WriteString(".content blockquote { border-left-color: #444; color: #b0b0b0; }\n")
	b.WriteString(".footer { border-top-color: #444; color: #a0a0a0; }\n")
	b.WriteString(".footer a { color: #a0a0a0; }\n")
	b.WriteString("a { color: #66bb6a; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")
}

// writePost renders one post block. Post bodies arrive as host-rendered
// HTML from untrusted authors and go through the tag whitelist.
func writePost(b *strings.Builder, baseURL string, d *forum.Discussion, p *forum.Post, author *forum.User) {
	b.WriteString("<div class=\"post\">\n")
	b.WriteString("<div class=\"meta\">\n")
	fmt.Fprintf(b, "<a href=\"%s/discussion/%d#post-%d\" class=\"subject\">%s</a>\n",
		escapeHTML(baseURL), d.ID, p.ID, escapeHTML(p.Subject))
	if author != nil {
		fmt.Fprintf(b, "<span class=\"author\"> &bull; %s</span>\n", escapeHTML(author.Name))
	}
	if !p.Created.IsZero() {
		fmt.Fprintf(b, "<span class=\"timestamp\"> &bull; %s UTC</span>\n",
			p.Created.UTC().Format("Jan 2, 2006 at 3:04 PM"))
	}
	b.WriteString("</div>\n")
	b.WriteString("<div class=\"content\">\n")
	b.WriteString(sanitizeHTML(p.Message))
	b.WriteString("</div>\n")
	b.WriteString("</div>\n")
}
