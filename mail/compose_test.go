package mail

import (
	"strings"
	"testing"
	"time"

	"cybrary/pkg/forum"
)

func testComposer() *Composer {
	return NewComposer("forum.example.edu", "https://forum.example.edu",
		"noreply@example.edu", "Example Forums", "noreply@example.edu")
}

func testEntities() (*forum.Forum, *forum.Discussion, *forum.Post, *forum.User, *forum.User) {
	f := &forum.Forum{ID: 3, Name: "Announcements"}
	d := &forum.Discussion{ID: 10, ForumID: f.ID, Name: "Welcome week", UserID: 1, FirstPostID: 100}
	p := &forum.Post{
		ID: 103, DiscussionID: d.ID, ParentID: 102, UserID: 2,
		Subject: "Re: Welcome week",
		Message: "<p>See you there</p>",
		Created: time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC),
	}
	author := &forum.User{ID: 2, Name: "Alice Prior", Email: "alice@example.edu"}
	recipient := &forum.User{ID: 7, Name: "Bob Reader", Email: "bob@example.edu"}
	return f, d, p, author, recipient
}

func TestPostMessageDeterministic(t *testing.T) {
	c := testComposer()
	f, d, p, author, recipient := testEntities()
	chain := []int64{100, 102}
	firstPostTime := time.Date(2026, 8, 18, 8, 0, 0, 0, time.UTC)

	a := c.PostMessage(f, d, p, author, recipient, chain, firstPostTime)
	b := c.PostMessage(f, d, p, author, recipient, chain, firstPostTime)

	if a.HTMLBody != b.HTMLBody || a.PlainBody != b.PlainBody || a.Subject != b.Subject {
		t.Error("two renders of the same notification differ")
	}
	for name, v := range a.Headers {
		if b.Headers[name] != v {
			t.Errorf("header %s differs between renders: %q vs %q", name, v, b.Headers[name])
		}
	}
}

func TestPostMessageThreadingHeaders(t *testing.T) {
	c := testComposer()
	f, d, p, author, recipient := testEntities()
	chain := []int64{100, 102}
	firstPostTime := time.Date(2026, 8, 18, 8, 0, 0, 0, time.UTC)

	msg := c.PostMessage(f, d, p, author, recipient, chain, firstPostTime)

	id := msg.Headers["Message-ID"]
	if !strings.HasPrefix(id, "<cy") || !strings.HasSuffix(id, "@forum.example.edu>") {
		t.Errorf("Message-ID = %q, want <cy...@forum.example.edu>", id)
	}
	// <cy + 32 hex chars + @hostname>
	if len(id) != len("<cy>@forum.example.edu")+32 {
		t.Errorf("Message-ID length = %d: %q", len(id), id)
	}

	parentID := c.MessageID(102, recipient.ID)
	if msg.Headers["In-Reply-To"] != parentID {
		t.Errorf("In-Reply-To = %q, want parent id %q", msg.Headers["In-Reply-To"], parentID)
	}
	wantRefs := c.MessageID(100, recipient.ID) + " " + parentID
	if msg.Headers["References"] != wantRefs {
		t.Errorf("References = %q, want %q", msg.Headers["References"], wantRefs)
	}
	if got := msg.Headers["List-Id"]; got != "Announcements <cybrary-forum-3@forum.example.edu>" {
		t.Errorf("List-Id = %q", got)
	}
	if got := msg.Headers["Thread-Topic"]; got != "Welcome week" {
		t.Errorf("Thread-Topic = %q", got)
	}
	if msg.Headers["Thread-Index"] == "" {
		t.Error("Thread-Index missing")
	}
}

func TestMessageIDVariesByRecipientAndPost(t *testing.T) {
	c := testComposer()
	if c.MessageID(103, 7) == c.MessageID(103, 8) {
		t.Error("Message-ID identical across recipients")
	}
	if c.MessageID(103, 7) == c.MessageID(104, 7) {
		t.Error("Message-ID identical across posts")
	}
}

func TestRootPostHasNoReplyHeaders(t *testing.T) {
	c := testComposer()
	f, d, p, author, recipient := testEntities()
	p.ID = 100
	p.ParentID = 0
	p.Subject = "Welcome week"

	msg := c.PostMessage(f, d, p, author, recipient, nil, p.Created)

	if _, ok := msg.Headers["In-Reply-To"]; ok {
		t.Error("root post carries In-Reply-To")
	}
	if _, ok := msg.Headers["References"]; ok {
		t.Error("root post carries References")
	}
	if msg.Subject != "Welcome week" {
		t.Errorf("root subject = %q, want discussion name without Re:", msg.Subject)
	}
}

func TestPostMessageBodies(t *testing.T) {
	c := testComposer()
	f, d, p, author, recipient := testEntities()
	p.Message = `<p>Hello <script>alert(1)</script><b>world</b></p>`

	msg := c.PostMessage(f, d, p, author, recipient, []int64{100, 102}, p.Created)

	if strings.Contains(msg.HTMLBody, "<script>") {
		t.Error("script tag survived sanitization")
	}
	if !strings.Contains(msg.HTMLBody, "<b>world</b>") {
		t.Error("whitelisted tag was stripped")
	}
	if !strings.Contains(msg.HTMLBody, "Alice Prior") {
		t.Error("author name missing from body")
	}
	if !strings.Contains(msg.PlainBody, "world") {
		t.Errorf("plain body missing post text: %q", msg.PlainBody)
	}
	if strings.Contains(msg.PlainBody, "font-family") {
		t.Error("stylesheet leaked into the plain-text body")
	}
}

func TestDigestMessageModes(t *testing.T) {
	c := testComposer()
	f, d, p, author, recipient := testEntities()
	authors := map[int64]*forum.User{author.ID: author}
	now := time.Date(2026, 8, 30, 17, 0, 0, 0, time.UTC)

	full := c.DigestMessage(recipient, []DigestSection{
		{Forum: f, Discussion: d, Posts: []*forum.Post{p}, Authors: authors},
	}, now)
	if !strings.Contains(full.HTMLBody, "See you there") {
		t.Error("full digest missing post body")
	}
	if full.Subject != "Forum digest for Aug 30, 2026" {
		t.Errorf("digest subject = %q", full.Subject)
	}

	subjects := c.DigestMessage(recipient, []DigestSection{
		{Forum: f, Discussion: d, Posts: []*forum.Post{p}, Authors: authors, SubjectsOnly: true},
	}, now)
	if strings.Contains(subjects.HTMLBody, "See you there") {
		t.Error("subjects-only digest includes post body")
	}
	if !strings.Contains(subjects.HTMLBody, "Re: Welcome week") {
		t.Error("subjects-only digest missing post subject")
	}
}

func TestBuildMIMEIncludesCustomHeaders(t *testing.T) {
	c := testComposer()
	f, d, p, author, recipient := testEntities()
	msg := c.PostMessage(f, d, p, author, recipient, []int64{100, 102}, p.Created)

	raw := buildMIME(msg)
	for _, name := range []string{"Message-ID", "In-Reply-To", "References", "List-Id", "Thread-Topic", "Thread-Index"} {
		if !strings.Contains(raw, name+": "+msg.Headers[name]) {
			t.Errorf("raw message missing header %s", name)
		}
	}
	if !strings.Contains(raw, "multipart/alternative") {
		t.Error("raw message is not multipart/alternative")
	}
}

func TestSanitizeEmailHeader(t *testing.T) {
	got := sanitizeEmailHeader("Subject\r\nBcc: victim@example.com")
	if strings.ContainsAny(got, "\r\n") {
		t.Errorf("header still contains newlines: %q", got)
	}
	if got != "SubjectBcc: victim@example.com" {
		t.Errorf("sanitized header = %q", got)
	}
}
