package search

import (
	"testing"
	"time"

	"github.com/znz-systems/mailindex/internal/models"
)

func TestNewDocumentFormatsAddresses(t *testing.T) {
	msg := &models.MessageDocument{
		ID:   "msg1",
		User: "u1",
		Addresses: models.MessageAddresses{
			From: []models.AddressNode{{Name: "=?UTF-8?Q?J=C3=B6rg?=", Address: "jorg@example.com"}},
			To: []models.AddressNode{
				{Name: "Team", Group: []models.AddressNode{
					{Name: "=?windows-1251?Q?=CF=F0=E8=E2=E5=F2?=", Address: "a@xn--mnchen-3ya.de"},
					{Name: "Nested", Group: []models.AddressNode{{Address: "b@example.com"}}},
				}},
				{Address: "c@example.com"},
			},
		},
	}

	doc := NewDocument(msg)

	if len(doc.From) != 1 || doc.From[0].Name != "Jörg" {
		t.Fatalf("unexpected from: %+v", doc.From)
	}
	want := []Address{
		{Name: "Привет", Address: "a@münchen.de"},
		{Address: "b@example.com"},
		{Address: "c@example.com"},
	}
	if len(doc.To) != len(want) {
		t.Fatalf("expected %d recipients, got %+v", len(want), doc.To)
	}
	for i := range want {
		if doc.To[i] != want[i] {
			t.Fatalf("recipient %d = %+v, want %+v", i, doc.To[i], want[i])
		}
	}
}

func TestNewDocumentFiltersHeaders(t *testing.T) {
	msg := &models.MessageDocument{
		Headers: []models.Header{
			{Key: "Subject", Value: "hi"},
			{Key: "Received", Value: "from mx"},
			{Key: "X-Spam-Score", Value: "1"},
			{Key: "ARC-Seal", Value: "i=1"},
			{Key: "DKIM-Signature", Value: "v=1"},
			{Key: "Authentication-Results", Value: "pass"},
			{Key: "Received-SPF", Value: "pass"},
			{Key: "List-Id", Value: "list"},
		},
	}

	doc := NewDocument(msg)

	keys := map[string]bool{}
	for _, h := range doc.Headers {
		keys[h.Key] = true
	}
	for _, k := range []string{"subject", "received-spf", "list-id"} {
		if !keys[k] {
			t.Fatalf("expected header %q to be kept, got %+v", k, doc.Headers)
		}
	}
	if len(doc.Headers) != 3 {
		t.Fatalf("expected 3 headers, got %+v", doc.Headers)
	}
}

func TestNewDocumentDateFallback(t *testing.T) {
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	idate := time.Date(2024, 2, 28, 9, 0, 0, 0, time.UTC)

	doc := NewDocument(&models.MessageDocument{Created: created})
	if !doc.IDate.Equal(created) || !doc.HDate.Equal(created) {
		t.Fatalf("expected both dates to fall back to created, got %v %v", doc.IDate, doc.HDate)
	}

	doc = NewDocument(&models.MessageDocument{Created: created, IDate: &idate})
	if !doc.IDate.Equal(idate) || !doc.HDate.Equal(idate) {
		t.Fatalf("expected header date to fall back to internal date, got %v %v", doc.IDate, doc.HDate)
	}
}

func TestNewDocumentFlags(t *testing.T) {
	doc := NewDocument(&models.MessageDocument{Flags: []string{`\Seen`, `\flagged`, `\Answered`, "$Label1"}})
	if !doc.Seen || doc.Unseen || !doc.Flagged || !doc.Answered || doc.Draft {
		t.Fatalf("unexpected flag fields: %+v", doc)
	}

	doc = NewDocument(&models.MessageDocument{})
	if doc.Seen || !doc.Unseen {
		t.Fatalf("message without flags must be unseen: %+v", doc)
	}
	if doc.Flags == nil {
		t.Fatal("flags must encode as an empty list")
	}
}
