// Copyright (c) 2020 - 2021 Lurelab. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.lurelab.io/terms.html

// Package passlist stores sets of address prefixes and answers whether a
// source address belongs to one of them. It backs both the friend list
// (sources exempted from hostile classification) and the internal-network
// list the classifier treats as strict.
//
// Entries are CIDRs (`192.168.0.0/16`), bare addresses (`203.0.113.5`) or
// dotted prefixes in the legacy configuration style (`192.168.`). Locking is
// avoided by not having concurrent insertions and lookups: a store is built
// once at startup and only read afterwards.
package passlist

import (
	"net"
	"strconv"
	"strings"

	"github.com/kentik/patricia"
	"github.com/lurelab/decoy/internal/dclib/dcerrors"
)

// Store is the set of data-structures holding the CIDR IPv4 and IPv6 entries.
type Store struct {
	treeV4 *entryTreeV4
	treeV6 *entryTreeV6
}

// NewStore returns a store holding the given entries. The returned store is
// nil when the entry list is empty, which is a valid empty store for Find.
func NewStore(entries []string) (*Store, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	treeV4 := newEntryTreeV4()
	treeV6 := newEntryTreeV6()
	var hasIPv4, hasIPv6 bool // true when at least one entry was added to the tree
	for _, entry := range entries {
		cidr, err := NormalizePrefix(entry)
		if err != nil {
			return nil, err
		}
		ipv4, ipv6, err := patricia.ParseIPFromString(cidr)
		if err != nil {
			return nil, dcerrors.Wrapf(err, "passlist: could not parse the entry `%s`", entry)
		}
		if ipv4 != nil {
			if err := treeV4.add(ipv4, entry); err != nil {
				return nil, err
			}
			hasIPv4 = true
		} else if ipv6 != nil {
			if err := treeV6.add(ipv6, entry); err != nil {
				return nil, err
			}
			hasIPv6 = true
		}
	}
	// Release empty trees when nothing was added to them.
	if !hasIPv4 {
		treeV4 = nil
	}
	if !hasIPv6 {
		treeV6 = nil
	}
	return &Store{
		treeV4: treeV4,
		treeV6: treeV6,
	}, nil
}

// Find returns true when the given IP address matched an entry, along with
// the matched entry in its original configuration form. The error is non-nil
// when an internal error occurred.
func (s *Store) Find(ip net.IP) (listed bool, matched string, err error) {
	if s == nil {
		return false, "", nil
	}
	var entry string
	var found bool
	if stdIPv4 := ip.To4(); stdIPv4 != nil {
		if s.treeV4 == nil {
			return false, "", nil
		}
		IPv4 := patricia.NewIPv4AddressFromBytes(stdIPv4, ipv4Bits)
		entry, found, err = s.treeV4.find(&IPv4)
	} else if stdIPv6 := ip.To16(); stdIPv6 != nil {
		// warning: the previous condition is also true with an ipv4 address (as
		// they can be represented using ipv6 ::ffff:ipv4), so testing the ipv4
		// first is important to avoid entering this case with ipv4 addresses.
		if s.treeV6 == nil {
			return false, "", nil
		}
		IPv6 := patricia.NewIPv6Address(stdIPv6, ipv6Bits)
		entry, found, err = s.treeV6.find(&IPv6)
	}
	if err != nil {
		return false, "", err
	}
	return found, entry, nil
}

// FindString is Find for a textual source address. Unparsable addresses never
// match.
func (s *Store) FindString(source string) (listed bool, matched string, err error) {
	ip := net.ParseIP(source)
	if ip == nil {
		return false, "", nil
	}
	return s.Find(ip)
}

// NormalizePrefix turns a configuration entry into CIDR notation. CIDR and
// bare-address entries pass through unchanged; dotted IPv4 prefixes such as
// `192.168.` become the network covering every address starting with the
// prefix (`192.168.0.0/16`).
func NormalizePrefix(entry string) (string, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return "", dcerrors.New("passlist: empty entry")
	}
	// CIDR, IPv6 and complete IPv4 addresses are already valid inputs.
	if strings.Contains(entry, "/") || strings.Contains(entry, ":") || net.ParseIP(entry) != nil {
		return entry, nil
	}

	octets := strings.Split(strings.TrimSuffix(entry, "."), ".")
	if len(octets) == 0 || len(octets) > 3 {
		return "", dcerrors.Errorf("passlist: invalid prefix entry `%s`", entry)
	}
	for _, o := range octets {
		if o == "" {
			return "", dcerrors.Errorf("passlist: invalid prefix entry `%s`", entry)
		}
	}
	bits := 8 * len(octets)
	padded := append([]string{}, octets...)
	for len(padded) < 4 {
		padded = append(padded, "0")
	}
	cidr := strings.Join(padded, ".") + "/" + strconv.Itoa(bits)
	if _, _, err := net.ParseCIDR(cidr); err != nil {
		return "", dcerrors.Wrapf(err, "passlist: invalid prefix entry `%s`", entry)
	}
	return cidr, nil
}
