package identity

import "testing"

func TestAuthenticateIsDeterministic(t *testing.T) {
	a := NewLocal()
	b := NewLocal()

	id1, err := a.Authenticate("desmond", "penny")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	id2, err := b.Authenticate("desmond", "penny")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id1.PublicKey != id2.PublicKey {
		t.Error("same credentials produced different public keys on two peers")
	}

	other, _ := b.Authenticate("desmond", "notpenny")
	if other.PublicKey == id1.PublicKey {
		t.Error("different secrets produced the same public key")
	}
}

func TestLoginLogoutNotifications(t *testing.T) {
	p := NewLocal()

	var events []bool
	off := p.Subscribe(func(id Identity, loggedIn bool) {
		events = append(events, loggedIn)
	})
	defer off()

	if _, ok := p.Current(); ok {
		t.Fatal("fresh provider reports an identity")
	}
	p.Authenticate("desmond", "penny")
	if id, ok := p.Current(); !ok || id.Alias != "desmond" {
		t.Fatalf("Current = %v,%v after login", id, ok)
	}
	p.Logout()
	p.Logout() // second logout is a no-op, not a second event

	if len(events) != 2 || !events[0] || events[1] {
		t.Errorf("events = %v, want [login logout]", events)
	}
}
