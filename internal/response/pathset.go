// Copyright (c) 2020 - 2021 Lurelab. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.lurelab.io/terms.html

package response

import (
	"strings"

	iradix "github.com/hashicorp/go-immutable-radix"
)

// PathSet is an immutable set of HTTP paths with prefix matching. Built once
// at startup, read by every connection handler without locking.
type PathSet iradix.Tree

// NewPathSet returns the set of the given paths, or nil when empty, which is
// a valid empty set for Match.
func NewPathSet(paths []string) *PathSet {
	if len(paths) == 0 {
		return nil
	}

	txn := iradix.New().Txn()
	for _, path := range paths {
		txn.Insert([]byte(strings.ToLower(path)), struct{}{})
	}

	return (*PathSet)(txn.Commit())
}

func (s *PathSet) unwrap() *iradix.Tree { return (*iradix.Tree)(s) }

// Match reports whether the given request path starts with one of the set's
// paths. Matching is case-insensitive.
func (s *PathSet) Match(path string) bool {
	if s == nil {
		return false
	}
	_, _, found := s.unwrap().Root().LongestPrefix([]byte(strings.ToLower(path)))
	return found
}
