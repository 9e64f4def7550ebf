package blocks

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// ErrCorruption is wrapped by every checksum or structural verification failure,
// so callers may classify corruption with errors.Is without parsing messages.
var ErrCorruption = errors.New("corruption detected")

// ChecksumOffset is the size of the leading checksum field shared by every block
// schema except the superblock. The checksum of a block covers everything after it.
const ChecksumOffset = 8

// Checksum computes checksum of bytes.
func Checksum(b []byte) Hash {
	return Hash(xxhash.Sum64(b))
}

// VerifyChecksum verifies that checksum of provided data matches the expected one.
func VerifyChecksum(address BlockAddress, p []byte, expectedChecksum Hash) error {
	checksum := Checksum(p)
	if checksum == expectedChecksum {
		return nil
	}
	return errors.Wrapf(ErrCorruption, "checksum mismatch for block %d, computed: %016x, expected: %016x",
		address, uint64(checksum), uint64(expectedChecksum))
}

// BlockChecksum computes the checksum stored in the leading field of a raw block.
// The first ChecksumOffset bytes hold the checksum itself and are excluded.
func BlockChecksum(p []byte) Hash {
	return Checksum(p[ChecksumOffset:])
}

// VerifyBlockChecksum validates a raw block buffer against the checksum stored in
// its leading field.
func VerifyBlockChecksum(address BlockAddress, p []byte) error {
	stored := Hash(binary.LittleEndian.Uint64(p[:ChecksumOffset]))
	return VerifyChecksum(address, p[ChecksumOffset:], stored)
}

// SealBlock computes the checksum of a raw block buffer and stores it in the
// leading field. Called right before the block is written to the device.
func SealBlock(p []byte) {
	binary.LittleEndian.PutUint64(p[:ChecksumOffset], uint64(Checksum(p[ChecksumOffset:])))
}
