package crypto

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
)

// AddressPrefix is the human-readable part of every account address handled by
// the escrow service.
const AddressPrefix = "esc"

// AddressLength is the raw payload size of an account address in bytes.
const AddressLength = 20

// Address is a 20-byte account identifier rendered as a bech32 string with the
// "esc" prefix. The zero value is not a valid address.
type Address struct {
	bytes [AddressLength]byte
}

// NewAddress wraps a raw 20-byte payload.
func NewAddress(b [AddressLength]byte) Address {
	return Address{bytes: b}
}

// String renders the address in its canonical bech32 form.
func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(AddressPrefix, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Bytes returns the raw 20-byte payload.
func (a Address) Bytes() [AddressLength]byte {
	return a.bytes
}

// IsZero reports whether the address is the unset zero value.
func (a Address) IsZero() bool {
	return a.bytes == [AddressLength]byte{}
}

// MarshalText implements encoding.TextMarshaler so addresses serialise as
// bech32 strings in JSON payloads.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	decoded, err := DecodeAddress(string(bytes.TrimSpace(text)))
	if err != nil {
		return err
	}
	*a = decoded
	return nil
}

// DecodeAddress parses a bech32 account address and validates its prefix and
// payload length.
func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(strings.TrimSpace(addrStr))
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	if prefix != AddressPrefix {
		return Address{}, fmt.Errorf("unexpected address prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 payload: %w", err)
	}
	if len(conv) != AddressLength {
		return Address{}, fmt.Errorf("address payload must be %d bytes, got %d", AddressLength, len(conv))
	}
	var out [AddressLength]byte
	copy(out[:], conv)
	return Address{bytes: out}, nil
}

// MustDecodeAddress parses a bech32 address and panics on failure. Intended
// for configuration values validated elsewhere and for tests.
func MustDecodeAddress(addrStr string) Address {
	addr, err := DecodeAddress(addrStr)
	if err != nil {
		panic(err)
	}
	return addr
}

// EncodeAddress renders a raw payload without constructing an Address value.
func EncodeAddress(b [AddressLength]byte) string {
	return NewAddress(b).String()
}
