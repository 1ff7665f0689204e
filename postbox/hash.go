package postbox

import "github.com/twmb/murmur3"

// hashSeed is the fixed murmur3 seed the datastore uses for schema
// type-hashes and key-material checksums (-137723950 as unsigned).
const hashSeed uint32 = 0xf7ca7fd2

// HashBytes computes the datastore's 32-bit name hash over raw bytes.
func HashBytes(data []byte) int32 {
	return int32(murmur3.SeedSum32(hashSeed, data))
}

// HashName computes the type-hash of a declared schema name.
func HashName(name string) int32 {
	return int32(murmur3.SeedStringSum32(hashSeed, name))
}
