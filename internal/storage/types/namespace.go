package types

import (
	"fmt"
	"strings"
)

// Namespace identifies a time-series collection within a database.
// It is the routing key for bucket placement and clear operations.
type Namespace struct {
	DB   string
	Coll string
}

// NewNamespace creates a Namespace from database and collection names.
func NewNamespace(db, coll string) Namespace {
	return Namespace{DB: db, Coll: coll}
}

// ParseNamespace parses a "db.coll" string into a Namespace.
func ParseNamespace(s string) (Namespace, error) {
	idx := strings.IndexByte(s, '.')
	if idx <= 0 || idx == len(s)-1 {
		return Namespace{}, fmt.Errorf("invalid namespace %q: want db.coll", s)
	}
	return Namespace{DB: s[:idx], Coll: s[idx+1:]}, nil
}

// String returns the canonical "db.coll" form.
func (n Namespace) String() string {
	return n.DB + "." + n.Coll
}

// IsZero reports whether the namespace is unset.
func (n Namespace) IsZero() bool {
	return n.DB == "" && n.Coll == ""
}
