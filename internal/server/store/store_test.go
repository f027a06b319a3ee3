package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func mustUser(t *testing.T, st *Store, name string) *domain.User {
	t.Helper()
	u, err := domain.NewUser(name)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.CreateUser(u); err != nil {
		t.Fatal(err)
	}
	return u
}

func TestUserRoundTrip(t *testing.T) {
	st := openTestStore(t)
	u := mustUser(t, st, "alice")

	got, err := st.UserByID(u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DisplayName != "alice" {
		t.Fatalf("wrong user: %+v", got)
	}

	if _, err := st.UserByID("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateServerSeedsDefaults(t *testing.T) {
	st := openTestStore(t)
	owner := mustUser(t, st, "alice")

	srv, err := st.CreateServer("my server", "a place", owner.ID)
	if err != nil {
		t.Fatal(err)
	}

	// The owner is a member immediately.
	servers, err := st.ServersForUser(owner.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(servers) != 1 || servers[0].ID != srv.ID {
		t.Fatalf("owner must see the new server: %+v", servers)
	}

	// One text and one voice channel come with every server.
	channels, err := st.ChannelsForServer(srv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(channels) != 2 {
		t.Fatalf("expected 2 default channels, got %+v", channels)
	}
	kinds := map[string]bool{}
	for _, ch := range channels {
		kinds[ch.Kind] = true
	}
	if !kinds[domain.ChannelText] || !kinds[domain.ChannelVoice] {
		t.Fatalf("expected one text and one voice channel: %+v", channels)
	}
}

func TestMessagesOldestFirstWithAuthor(t *testing.T) {
	st := openTestStore(t)
	alice := mustUser(t, st, "alice")
	srv, err := st.CreateServer("s", "", alice.ID)
	if err != nil {
		t.Fatal(err)
	}
	ch, err := st.CreateChannel(srv.ID, "chat", domain.ChannelText)
	if err != nil {
		t.Fatal(err)
	}

	for _, text := range []string{"one", "two", "three"} {
		if _, err := st.AppendMessage(ch.ID, alice.ID, text); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond) // distinct created_at
	}

	msgs, err := st.MessagesForChannel(ch.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("limit must cap the result, got %d", len(msgs))
	}
	if msgs[0].Content != "two" || msgs[1].Content != "three" {
		t.Fatalf("expected the 2 newest, oldest first: %+v", msgs)
	}
	if msgs[0].Author != "alice" {
		t.Fatalf("author must be joined in: %+v", msgs[0])
	}
}

func TestInviteRedeemFlow(t *testing.T) {
	st := openTestStore(t)
	alice := mustUser(t, st, "alice")
	bob := mustUser(t, st, "bob")
	srv, err := st.CreateServer("s", "", alice.ID)
	if err != nil {
		t.Fatal(err)
	}

	inv, err := st.CreateInvite(srv.ID, alice.ID, time.Hour, 1)
	if err != nil {
		t.Fatal(err)
	}

	got, err := st.RedeemInvite(inv.Code, bob.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != srv.ID {
		t.Fatalf("redeem must return the server: %+v", got)
	}
	member, err := st.IsMember(srv.ID, bob.ID)
	if err != nil || !member {
		t.Fatalf("bob must be a member after redeem (%v)", err)
	}

	// Redeeming again for an existing member succeeds without a use.
	if _, err := st.RedeemInvite(inv.Code, bob.ID); err != nil {
		t.Fatalf("re-redeem by a member must succeed: %v", err)
	}

	// A third user exhausts max_uses.
	carol := mustUser(t, st, "carol")
	if _, err := st.RedeemInvite(inv.Code, carol.ID); !errors.Is(err, ErrInviteConsumed) {
		t.Fatalf("expected ErrInviteConsumed, got %v", err)
	}
}

func TestInviteExpiry(t *testing.T) {
	st := openTestStore(t)
	alice := mustUser(t, st, "alice")
	bob := mustUser(t, st, "bob")
	srv, err := st.CreateServer("s", "", alice.ID)
	if err != nil {
		t.Fatal(err)
	}

	inv, err := st.CreateInvite(srv.ID, alice.ID, -time.Minute, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.RedeemInvite(inv.Code, bob.ID); !errors.Is(err, ErrInviteExpired) {
		t.Fatalf("expected ErrInviteExpired, got %v", err)
	}

	if _, err := st.RedeemInvite("bogus", bob.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
