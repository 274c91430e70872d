package telegram

import (
	"context"
	"errors"
	"testing"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/transport"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		notFound bool
	}{
		{"nil", nil, false},
		{"chat not found", &tele.Error{Code: 400, Description: "Bad Request: chat not found"}, true},
		{"message not found", &tele.Error{Code: 400, Description: "Bad Request: message to forward not found"}, true},
		{"kicked", &tele.Error{Code: 403, Description: "Forbidden: bot was kicked from the channel chat"}, true},
		{"flood", &tele.Error{Code: 429, Description: "Too Many Requests: retry after 5"}, false},
		{"plain not found", errors.New("resolve: not found"), true},
		{"other", errors.New("connection reset"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.err)
			if tc.err == nil {
				if got != nil {
					t.Fatalf("classify(nil) = %v", got)
				}
				return
			}
			if errors.Is(got, transport.ErrNotFound) != tc.notFound {
				t.Fatalf("classify(%v) = %v, notFound want %v", tc.err, got, tc.notFound)
			}
		})
	}
}

func TestRecipientNumeric(t *testing.T) {
	a := &Adapter{}
	to, err := a.recipient(context.Background(), "-1001234567890")
	if err != nil {
		t.Fatalf("recipient: %v", err)
	}
	if id, ok := to.(tele.ChatID); !ok || int64(id) != -1001234567890 {
		t.Fatalf("recipient = %#v", to)
	}
}

func TestRecipientEmpty(t *testing.T) {
	a := &Adapter{}
	if _, err := a.recipient(context.Background(), "  "); !errors.Is(err, transport.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveUsesProvidedChatID(t *testing.T) {
	a := &Adapter{}
	id, err := a.Resolve(context.Background(), transport.ChannelRef{ChatID: -100456})
	if err != nil || id != -100456 {
		t.Fatalf("Resolve = %d, %v", id, err)
	}
}
