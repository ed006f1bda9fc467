package chat

import (
	"encoding/json"
	"testing"
)

func TestNormalizeIDAcceptsEveryWireShape(t *testing.T) {
	const hex = "65af1c2e9b1d4a0012345678"
	cases := []struct {
		raw  string
		want ID
	}{
		{`"abc"`, "abc"},
		{`" abc "`, "abc"},
		{`42`, "42"},
		{`{"$oid":"` + hex + `"}`, hex},
		{`"65AF1C2E9B1D4A0012345678"`, hex},
		{`{"_id":"u1","name":"Ann"}`, "u1"},
		{`{"id":7}`, "7"},
		{`{"_id":{"$oid":"` + hex + `"}}`, hex},
		{`null`, ""},
		{``, ""},
	}
	for _, tc := range cases {
		got, err := NormalizeID(json.RawMessage(tc.raw))
		if err != nil {
			t.Fatalf("NormalizeID(%s): unexpected error %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("NormalizeID(%s) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestNormalizeIDRejectsGarbage(t *testing.T) {
	for _, raw := range []string{`{"$oid":"nothex"}`, `{"name":"x"}`, `true`, `[1]`} {
		if _, err := NormalizeID(json.RawMessage(raw)); err == nil {
			t.Fatalf("expected NormalizeID(%s) to fail", raw)
		}
	}
}

func TestMessageDecodeNormalizesReferences(t *testing.T) {
	const hex = "65af1c2e9b1d4a0012345678"
	raw := `{
		"_id": {"$oid": "` + hex + `"},
		"chat": "c1",
		"sender": {"_id": {"$oid": "65af1c2e9b1d4a00000000aa"}, "name": "Ann"},
		"text": "hi",
		"createdAt": "2024-01-02T03:04:05Z"
	}`
	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.ID != hex || m.ChatID != "c1" {
		t.Fatalf("unexpected ids: id=%q chat=%q", m.ID, m.ChatID)
	}
	if m.SenderID != "65af1c2e9b1d4a00000000aa" || m.SenderName != "Ann" {
		t.Fatalf("expected populated sender to be flattened, got %q/%q", m.SenderID, m.SenderName)
	}
	if m.State != Confirmed || m.Key() != hex {
		t.Fatalf("decoded messages are confirmed and keyed by server id, got %v/%q", m.State, m.Key())
	}
}

func TestMessageDecodeSenderIDForms(t *testing.T) {
	var a, b Message
	if err := json.Unmarshal([]byte(`{"id":"m1","chatId":"c1","sender":"u1"}`), &a); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := json.Unmarshal([]byte(`{"id":"m2","chatId":"c1","senderId":9}`), &b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if a.SenderID != "u1" || b.SenderID != "9" {
		t.Fatalf("unexpected senders %q %q", a.SenderID, b.SenderID)
	}
}

func TestChatDecodePopulatedLastMessage(t *testing.T) {
	raw := `{"id":"c1","participants":[{"_id":"u1","name":"Ann"},"u2"],"lastMessage":{"_id":"m1","image":"https://img"}}`
	var c Chat
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.ID != "c1" || len(c.Participants) != 2 || c.Participants[1].ID != "u2" {
		t.Fatalf("unexpected chat %+v", c)
	}
	if c.LastMessage != "📷 Image" {
		t.Fatalf("expected image snippet, got %q", c.LastMessage)
	}
	if peer, ok := c.Peer("u1"); !ok || peer.ID != "u2" {
		t.Fatalf("expected peer u2, got %+v", peer)
	}
}
