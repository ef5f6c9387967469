// Package actor normalizes the free-text user field of an audit record into
// a stable actor identity.
package actor

import (
	"fmt"
	"regexp"
	"strings"
)

// Defaults matching "Jane Doe (jdoe)" style user strings.
const (
	DefaultSystemToken    = "(system)"
	DefaultLoginPattern   = `\((?P<login>[^()\s]+)\)\s*$`
	DefaultDisplayPattern = `^(?P<name>[^()]+?)\s*\(`
)

// Identity is the derived (actor, actor_display) pair. Nil means NULL.
type Identity struct {
	Actor   *string
	Display *string
}

// ActorValue returns the actor or "" when unset.
func (id Identity) ActorValue() string {
	if id.Actor == nil {
		return ""
	}
	return *id.Actor
}

// DisplayValue returns the display name or "" when unset.
func (id Identity) DisplayValue() string {
	if id.Display == nil {
		return ""
	}
	return *id.Display
}

// Deriver holds the compiled patterns.
type Deriver struct {
	sentinel string
	login    *regexp.Regexp
	loginIdx int
	display  *regexp.Regexp
	nameIdx  int
}

// NewDeriver compiles the login and display patterns. The login pattern must
// define a named group "login" and the display pattern a named group "name".
func NewDeriver(sentinel, loginPattern, displayPattern string) (*Deriver, error) {
	login, err := regexp.Compile(loginPattern)
	if err != nil {
		return nil, fmt.Errorf("actors.login_regex: %w", err)
	}
	loginIdx := login.SubexpIndex("login")
	if loginIdx < 0 {
		return nil, fmt.Errorf("actors.login_regex: missing named group (?P<login>...)")
	}
	display, err := regexp.Compile(displayPattern)
	if err != nil {
		return nil, fmt.Errorf("actors.display_regex: %w", err)
	}
	nameIdx := display.SubexpIndex("name")
	if nameIdx < 0 {
		return nil, fmt.Errorf("actors.display_regex: missing named group (?P<name>...)")
	}
	return &Deriver{
		sentinel: strings.TrimSpace(sentinel),
		login:    login,
		loginIdx: loginIdx,
		display:  display,
		nameIdx:  nameIdx,
	}, nil
}

// Default returns a Deriver built from the package defaults.
func Default() *Deriver {
	d, err := NewDeriver(DefaultSystemToken, DefaultLoginPattern, DefaultDisplayPattern)
	if err != nil {
		panic(err)
	}
	return d
}

// Derive maps a raw user string to its Identity:
//
//	""            -> (nil, nil)
//	sentinel      -> (sentinel, nil)
//	"Name (login)" -> (login, Name)
//
// When neither pattern matches the trimmed raw string becomes the actor.
func (d *Deriver) Derive(raw string) Identity {
	user := strings.TrimSpace(raw)
	if user == "" {
		return Identity{}
	}
	if d.sentinel != "" && user == d.sentinel {
		s := d.sentinel
		return Identity{Actor: &s}
	}

	var login, name string
	if m := d.login.FindStringSubmatch(user); m != nil {
		login = m[d.loginIdx]
	}
	if m := d.display.FindStringSubmatch(user); m != nil {
		name = strings.TrimSpace(m[d.nameIdx])
	}

	var id Identity
	if name != "" {
		id.Display = &name
	}
	switch {
	case login != "":
		id.Actor = &login
	case name != "":
		n := name
		id.Actor = &n
	default:
		id.Actor = &user
	}
	return id
}
