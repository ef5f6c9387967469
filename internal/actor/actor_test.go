package actor

import "testing"

func strp(s string) *string { return &s }

func eq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func TestDerive(t *testing.T) {
	d := Default()

	tests := []struct {
		name        string
		raw         string
		wantActor   *string
		wantDisplay *string
	}{
		{"empty", "", nil, nil},
		{"whitespace", "   ", nil, nil},
		{"system", "(system)", strp("(system)"), nil},
		{"system padded", "  (system) ", strp("(system)"), nil},
		{"name and login", "Jane Doe (jdoe)", strp("jdoe"), strp("Jane Doe")},
		{"login only", "(jdoe)", strp("jdoe"), nil},
		{"raw", "svc-account", strp("svc-account"), nil},
		{"raw padded", "  svc-account  ", strp("svc-account"), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := d.Derive(tt.raw)
			if !eq(id.Actor, tt.wantActor) {
				t.Errorf("actor = %v, want %v", deref(id.Actor), deref(tt.wantActor))
			}
			if !eq(id.Display, tt.wantDisplay) {
				t.Errorf("display = %v, want %v", deref(id.Display), deref(tt.wantDisplay))
			}
		})
	}
}

func TestDerive_DisplayFallbackWhenNoLogin(t *testing.T) {
	d, err := NewDeriver("(system)", `\[(?P<login>\w+)\]`, `^(?P<name>[^(]+)\(`)
	if err != nil {
		t.Fatalf("NewDeriver: %v", err)
	}
	id := d.Derive("Jane Doe (no login here)")
	if id.ActorValue() != "Jane Doe" {
		t.Errorf("actor = %q, want display fallback", id.ActorValue())
	}
	if id.DisplayValue() != "Jane Doe" {
		t.Errorf("display = %q", id.DisplayValue())
	}
}

func TestDerive_IdempotentOnUnmatched(t *testing.T) {
	d := Default()
	first := d.Derive("batch-runner")
	second := d.Derive(first.ActorValue())
	if first.ActorValue() != second.ActorValue() {
		t.Errorf("not idempotent: %q then %q", first.ActorValue(), second.ActorValue())
	}
	// An already-derived login is also stable.
	login := d.Derive("Jane Doe (jdoe)").ActorValue()
	if again := d.Derive(login).ActorValue(); again != login {
		t.Errorf("login not stable: %q -> %q", login, again)
	}
}

func TestNewDeriver_Errors(t *testing.T) {
	if _, err := NewDeriver("x", `(`, DefaultDisplayPattern); err == nil {
		t.Error("expected compile error for login pattern")
	}
	if _, err := NewDeriver("x", `\((\w+)\)`, DefaultDisplayPattern); err == nil {
		t.Error("expected missing login group error")
	}
	if _, err := NewDeriver("x", DefaultLoginPattern, `^(\w+)`); err == nil {
		t.Error("expected missing name group error")
	}
}

func deref(s *string) string {
	if s == nil {
		return "<nil>"
	}
	return *s
}
