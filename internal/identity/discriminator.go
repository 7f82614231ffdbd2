package identity

import "crypto/sha256"

// Discriminator tags an encoded account record with its type.
type Discriminator [8]byte

const (
	TypeUserAccount = "UserAccount"
	TypePosition    = "Position"
)

var (
	UserAccountDiscriminator = NewDiscriminator(TypeUserAccount)
	PositionDiscriminator    = NewDiscriminator(TypePosition)
)

// NewDiscriminator returns the first 8 bytes of SHA-256("account:<typeName>").
func NewDiscriminator(typeName string) Discriminator {
	sum := sha256.Sum256([]byte("account:" + typeName))

	var d Discriminator
	copy(d[:], sum[:8])
	return d
}

// Classify reports which record type a raw blob holds. ok is false for blobs
// shorter than a discriminator or carrying an unknown tag.
func Classify(blob []byte) (typeName string, ok bool) {
	if len(blob) < len(Discriminator{}) {
		return "", false
	}

	var d Discriminator
	copy(d[:], blob[:8])

	switch d {
	case UserAccountDiscriminator:
		return TypeUserAccount, true
	case PositionDiscriminator:
		return TypePosition, true
	default:
		return "", false
	}
}
