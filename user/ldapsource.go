package user

import (
	"fmt"

	"github.com/go-ldap/ldap/v3"
)

// LDAPSource is a DynamicSource backed by an LDAP bind+search, the
// alternative to a JSON publish_dynamic_users push.
type LDAPSource struct {
	Addr       string // "host:port"
	BindDN     string
	BindPass   string
	BaseDN     string
	Filter     string
	DialFunc   func(addr string) (*ldap.Conn, error)
}

func (s *LDAPSource) dial() (*ldap.Conn, error) {
	if s.DialFunc != nil {
		return s.DialFunc(s.Addr)
	}
	return ldap.DialURL(fmt.Sprintf("ldap://%s", s.Addr))
}

// Fetch binds and searches the directory, building one User per entry. The
// "userPassword" attribute (if present) is stored as-is: operators using
// LDAP as the source of truth are expected to pre-hash with bcrypt or to
// configure ACL-only (passwordless) entries.
func (s *LDAPSource) Fetch() (map[string]*User, error) {
	conn, err := s.dial()
	if err != nil {
		return nil, fmt.Errorf("user: ldap dial: %w", err)
	}
	defer conn.Close()

	if err := conn.Bind(s.BindDN, s.BindPass); err != nil {
		return nil, fmt.Errorf("user: ldap bind: %w", err)
	}

	req := ldap.NewSearchRequest(
		s.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		s.Filter,
		[]string{"uid", "userPassword"},
		nil,
	)

	res, err := conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("user: ldap search: %w", err)
	}

	out := make(map[string]*User, len(res.Entries))
	for _, e := range res.Entries {
		name := e.GetAttributeValue("uid")
		if name == "" {
			continue
		}
		out[name] = &User{
			Name:       name,
			HashedPass: []byte(e.GetAttributeValue("userPassword")),
			Source:     SourceDynamic,
		}
	}
	return out, nil
}
