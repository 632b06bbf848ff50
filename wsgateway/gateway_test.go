package wsgateway

import (
	"context"
	"testing"
)

func TestIdentifyRequiresFullIdentity(t *testing.T) {
	cases := []Identity{
		{},
		{GuildID: "1"},
		{GuildID: "1", UserID: "2"},
		{GuildID: "1", UserID: "2", SessionID: "3"},
	}

	for _, id := range cases {
		g := New(id)
		if err := g.Identify(context.Background()); err != ErrMissingForIdentify {
			t.Fatalf("Identify(%+v) = %v, want ErrMissingForIdentify", id, err)
		}
	}
}

func TestResumeRequiresServerSessionToken(t *testing.T) {
	cases := []Identity{
		{},
		{GuildID: "1"},
		{GuildID: "1", SessionID: "3"},
	}

	for _, id := range cases {
		g := New(id)
		if err := g.Resume(context.Background()); err != ErrMissingForResume {
			t.Fatalf("Resume(%+v) = %v, want ErrMissingForResume", id, err)
		}
	}
}

func TestEventsNilBeforeOpen(t *testing.T) {
	g := New(Identity{})
	if ch := g.Events(); ch != nil {
		t.Fatal("Events() should be nil before Open")
	}
}

func TestCloseWithoutOpenIsNoop(t *testing.T) {
	g := New(Identity{})
	if err := g.Close(); err != nil {
		t.Fatalf("Close() on unopened gateway = %v, want nil", err)
	}
}
