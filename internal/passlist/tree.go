// Copyright (c) 2020 - 2021 Lurelab. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.lurelab.io/terms.html

// Radix trees
//
// Radix trees are used to efficiently store the friend-list entries by IP
// addresses and networks.

package passlist

import (
	"math"

	"github.com/kentik/patricia"
	"github.com/kentik/patricia/uint32_tree"
	"github.com/lurelab/decoy/internal/dclib/dcerrors"
)

const (
	ipv4Bits = 32
	ipv6Bits = 128

	// Maximum number of entries a tree accepts.
	maxTreeEntries = 100000
)

// IPv4 data-structure mapping CIDR IPv4 addresses to the entry strings they
// came from. The underlying radix tree is used as an index to an array of
// entries. The number of entries is limited.
// Methods are not thread-safe.
type entryTreeV4 struct {
	tree    *uint32_tree.TreeV4
	entries []string
}

func newEntryTreeV4() *entryTreeV4 {
	return &entryTreeV4{
		tree: uint32_tree.NewTreeV4(),
	}
}

// add associates the entry string with the given CIDR IPv4. Only one entry is
// stored per CIDR IPv4.
func (t *entryTreeV4) add(ip *patricia.IPv4Address, entry string) error {
	if len(t.entries) >= math.MaxUint32 {
		return dcerrors.New("passlist: the number of entries exceeds the maximum index value")
	}
	if len(t.entries) >= maxTreeEntries {
		return dcerrors.Errorf("passlist: the number of entries `%d` exceeds `%d`", len(t.entries), maxTreeEntries)
	}

	// Assume the CIDR IPv4 is not already in the tree by taking a new entry
	// index in the array. The match-function is only called when a tag already
	// exists; it then reuses the existing tag and overwrites the entry.
	tag := len(t.entries)
	added, _, err := t.tree.Add(*ip, uint32(tag), func(current uint32, _ uint32) bool {
		t.entries[current] = entry
		return true
	})
	// When added is true the tag was added and the new entry needs to be
	// appended to the array at the new tag index.
	if added {
		t.entries = append(t.entries, entry)
	}
	return err
}

// find returns the entry string of the most specific (deepest in the tree)
// match for the given IPv4 address, along with `true`. The boolean is false
// when no entry matches.
func (t *entryTreeV4) find(ip *patricia.IPv4Address) (string, bool, error) {
	found, tag, err := t.tree.FindDeepestTag(*ip)
	if err != nil {
		return "", false, err
	}
	if !found {
		return "", false, nil
	}
	return t.entries[tag], true, nil
}

// IPv6 variant of entryTreeV4.
type entryTreeV6 struct {
	tree    *uint32_tree.TreeV6
	entries []string
}

func newEntryTreeV6() *entryTreeV6 {
	return &entryTreeV6{
		tree: uint32_tree.NewTreeV6(),
	}
}

func (t *entryTreeV6) add(ip *patricia.IPv6Address, entry string) error {
	if len(t.entries) >= math.MaxUint32 {
		return dcerrors.New("passlist: the number of entries exceeds the maximum index value")
	}
	if len(t.entries) >= maxTreeEntries {
		return dcerrors.Errorf("passlist: the number of entries `%d` exceeds `%d`", len(t.entries), maxTreeEntries)
	}

	tag := len(t.entries)
	added, _, err := t.tree.Add(*ip, uint32(tag), func(current uint32, _ uint32) bool {
		t.entries[current] = entry
		return true
	})
	if added {
		t.entries = append(t.entries, entry)
	}
	return err
}

func (t *entryTreeV6) find(ip *patricia.IPv6Address) (string, bool, error) {
	found, tag, err := t.tree.FindDeepestTag(*ip)
	if err != nil {
		return "", false, err
	}
	if !found {
		return "", false, nil
	}
	return t.entries[tag], true, nil
}
