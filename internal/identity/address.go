// Package identity derives the deterministic addresses and type tags used to
// key accounts and positions. Derivations are bit-exact: the same owner and
// index always produce the same address.
package identity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	userSeed     = "user"
	positionSeed = "position"
)

var ErrMalformedIdentifier = errors.New("malformed identifier")

// Owner is the 32-byte public identity of a wallet.
type Owner [32]byte

// Address is a seed-derived storage key.
type Address [32]byte

func (o Owner) String() string   { return hex.EncodeToString(o[:]) }
func (a Address) String() string { return hex.EncodeToString(a[:]) }

func (o Owner) MarshalText() ([]byte, error)   { return []byte(o.String()), nil }
func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (o *Owner) UnmarshalText(b []byte) error {
	v, err := ParseOwner(string(b))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

func (a *Address) UnmarshalText(b []byte) error {
	v, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ParseOwner decodes a 64-character hex owner key.
func ParseOwner(s string) (Owner, error) {
	var o Owner
	if err := decode32(s, o[:]); err != nil {
		return Owner{}, fmt.Errorf("owner %q: %w", s, err)
	}
	return o, nil
}

// ParseAddress decodes a 64-character hex address.
func ParseAddress(s string) (Address, error) {
	var a Address
	if err := decode32(s, a[:]); err != nil {
		return Address{}, fmt.Errorf("address %q: %w", s, err)
	}
	return a, nil
}

func decode32(s string, dst []byte) error {
	if len(s) != 64 {
		return ErrMalformedIdentifier
	}
	if _, err := hex.Decode(dst, []byte(s)); err != nil {
		return ErrMalformedIdentifier
	}
	return nil
}

// UserAddress = SHA-256("user" || owner)
func UserAddress(owner Owner) Address {
	h := sha256.New()
	h.Write([]byte(userSeed))
	h.Write(owner[:])

	var a Address
	copy(a[:], h.Sum(nil))
	return a
}

// PositionAddress = SHA-256("position" || owner || u32le(index))
func PositionAddress(owner Owner, index uint32) Address {
	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], index)

	h := sha256.New()
	h.Write([]byte(positionSeed))
	h.Write(owner[:])
	h.Write(idx[:])

	var a Address
	copy(a[:], h.Sum(nil))
	return a
}
