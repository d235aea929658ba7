// Package prefs is a hierarchical key/value preferences store. Plugins
// receive a *Node for their package when their constructor asks for one.
//
// The store is kept in a database. The dial string "memory" uses an in
// memory QL database, "mysql:<dsn>" uses a MySQL server, and anything else
// is taken as the file name of a QL database.
package prefs

import (
	"database/sql"
	"fmt"
	"path"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Store is an open preferences database.
type Store struct {
	db *sql.DB
	q  dialect
}

// the SQL statements each database flavor needs
type dialect struct {
	get    string
	keys   string
	remove string
	insert string
}

var memCount int64

// Open opens or creates the preferences database named by dial.
func Open(dial string) (*Store, error) {
	switch {
	case dial == "memory":
		// each in memory store is kept distinct
		name := fmt.Sprintf("prefs%d.db", atomic.AddInt64(&memCount, 1))
		return openQL("ql-mem", name)
	case strings.HasPrefix(dial, "mysql:"):
		return openMysql(strings.TrimPrefix(dial, "mysql:"))
	case dial == "":
		return nil, errors.New("prefs: empty dial string")
	}
	return openQL("ql", dial)
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Node returns the node at the given slash separated path. The node need
// not exist; it comes into being when a key is put into it.
func (s *Store) Node(p string) *Node {
	return &Node{s: s, path: cleanPath(p)}
}

func cleanPath(p string) string {
	return path.Clean("/" + strings.Trim(p, "/"))
}

// Node is one level of the preferences tree.
type Node struct {
	s    *Store
	path string
}

// Path returns the absolute path of the node.
func (n *Node) Path() string { return n.path }

// Name returns the last element of the path.
func (n *Node) Name() string { return path.Base(n.path) }

// Child returns the named child node.
func (n *Node) Child(name string) *Node {
	return n.s.Node(n.path + "/" + name)
}

// Parent returns the parent node. The root is its own parent.
func (n *Node) Parent() *Node {
	return n.s.Node(path.Dir(n.path))
}

// Get returns the value for key, or def if there is none. Database errors
// are treated as a missing value.
func (n *Node) Get(key, def string) string {
	var value string
	err := n.s.db.QueryRow(n.s.q.get, n.path, key).Scan(&value)
	if err != nil {
		return def
	}
	return value
}

// Put sets key to value.
func (n *Node) Put(key, value string) error {
	tx, err := n.s.db.Begin()
	if err != nil {
		return err
	}
	_, err = tx.Exec(n.s.q.remove, n.path, key)
	if err == nil {
		_, err = tx.Exec(n.s.q.insert, n.path, key, value)
	}
	if err != nil {
		_ = tx.Rollback()
		return errors.Wrapf(err, "prefs: put %s %s", n.path, key)
	}
	return tx.Commit()
}

// Remove deletes key. Removing a missing key is not an error.
func (n *Node) Remove(key string) error {
	tx, err := n.s.db.Begin()
	if err != nil {
		return err
	}
	if _, err = tx.Exec(n.s.q.remove, n.path, key); err != nil {
		_ = tx.Rollback()
		return errors.Wrapf(err, "prefs: remove %s %s", n.path, key)
	}
	return tx.Commit()
}

// Keys lists the keys of the node in sorted order.
func (n *Node) Keys() ([]string, error) {
	rows, err := n.s.db.Query(n.s.q.keys, n.path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		result = append(result, k)
	}
	return result, rows.Err()
}
