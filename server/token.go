package server

import (
	"bufio"
	"context"
	"io"
	"os"
	"path"
	"strings"

	"github.com/pkg/errors"
)

// Role is what a user may do with the depot. Each role includes the ones
// before it.
type Role int

const (
	RoleUnknown Role = iota
	RoleRead
	RoleWrite
	RoleAdmin
)

var roleNames = []string{"unknown", "read", "write", "admin"}

func (r Role) String() string {
	if r < 0 || int(r) >= len(roleNames) {
		return "unknown"
	}
	return roleNames[r]
}

// ParseRole reads a role name, ignoring case.
func ParseRole(s string) (Role, error) {
	for i, name := range roleNames[1:] {
		if strings.EqualFold(s, name) {
			return Role(i + 1), nil
		}
	}
	return RoleUnknown, errors.Errorf("unknown role %q", s)
}

// A User is a depot account.
type User struct {
	Name string
	Role Role

	// Groups limits the artifact groups the user may publish to. A
	// pattern covers the groups it matches, as in path.Match, and every
	// group below them. Empty means any group.
	Groups []string
}

// CanPublish is true if u may upload artifacts of group.
func (u *User) CanPublish(group string) bool {
	if u.Role < RoleWrite {
		return false
	}
	if len(u.Groups) == 0 || u.Role == RoleAdmin {
		return true
	}
	for g := group; g != "." && g != "/" && g != ""; g = path.Dir(g) {
		for _, pattern := range u.Groups {
			if ok, _ := path.Match(pattern, g); ok {
				return true
			}
		}
	}
	return false
}

// An Authenticator finds the user an API key belongs to. An unknown key
// gives a nil user and no error.
type Authenticator interface {
	Authenticate(key string) (*User, error)
}

// OpenAccess lets every request in as an administrator.
type OpenAccess struct{}

func (OpenAccess) Authenticate(key string) (*User, error) {
	return &User{Name: "anonymous", Role: RoleAdmin}, nil
}

// Users is a fixed table of accounts keyed by API key.
type Users map[string]*User

func (u Users) Authenticate(key string) (*User, error) {
	return u[key], nil
}

// ReadUsers reads a user table. Each line has the form
//
//	<user name>  <role>  <api key>  [group pattern ...]
//
// with fields separated by whitespace. The role is one of read, write or
// admin. Empty lines and lines beginning with '#' are skipped.
func ReadUsers(r io.Reader) (Users, error) {
	users := make(Users)
	scanner := bufio.NewScanner(r)
	for n := 1; scanner.Scan(); n++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if len(fields) < 3 {
			return nil, errors.Errorf("line %d: expected a name, a role and a key", n)
		}
		role, err := ParseRole(fields[1])
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", n)
		}
		key := fields[2]
		if _, dup := users[key]; dup {
			return nil, errors.Errorf("line %d: key of %s is already in use", n, fields[0])
		}
		for _, pattern := range fields[3:] {
			if _, err := path.Match(pattern, ""); err != nil {
				return nil, errors.Wrapf(err, "line %d: group pattern %q", n, pattern)
			}
		}
		users[key] = &User{Name: fields[0], Role: role, Groups: fields[3:]}
	}
	return users, scanner.Err()
}

// ReadUsersFile reads the user table in the named file.
func ReadUsersFile(fname string) (Users, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	users, err := ReadUsers(f)
	return users, errors.Wrapf(err, "%s", fname)
}

type userKey struct{}

func withUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// RequestUser returns the user a request was authenticated as, or nil.
func RequestUser(ctx context.Context) *User {
	u, _ := ctx.Value(userKey{}).(*User)
	return u
}
