package object

// xxhash64 is a minimal implementation of the XXH64 algorithm, used to
// content-hash loaded files for the deduplication gate in spec.md §4.1
// ("compute xxhash64 over the file contents (seeded by a hash of name)").
// No pack example vendors an xxhash implementation and the algorithm is
// small, fixed, and well specified, so it is implemented directly here
// rather than reached for as a dependency.
const (
	prime64_1 uint64 = 0x9E3779B185EBCA87
	prime64_2 uint64 = 0xC2B2AE3D27D4EB4F
	prime64_3 uint64 = 0x165667B19E3779F9
	prime64_4 uint64 = 0x85EBCA77C2B2AE63
	prime64_5 uint64 = 0x27D4EB2F165667C5
)

func xxhash64(data []byte, seed uint64) uint64 {
	n := len(data)
	var h64 uint64

	if n >= 32 {
		v1 := seed + prime64_1 + prime64_2
		v2 := seed + prime64_2
		v3 := seed
		v4 := seed - prime64_1

		for len(data) >= 32 {
			v1 = xxround(v1, le64(data[0:8]))
			v2 = xxround(v2, le64(data[8:16]))
			v3 = xxround(v3, le64(data[16:24]))
			v4 = xxround(v4, le64(data[24:32]))
			data = data[32:]
		}

		h64 = rotl64(v1, 1) + rotl64(v2, 7) + rotl64(v3, 12) + rotl64(v4, 18)
		h64 = xxmergeround(h64, v1)
		h64 = xxmergeround(h64, v2)
		h64 = xxmergeround(h64, v3)
		h64 = xxmergeround(h64, v4)
	} else {
		h64 = seed + prime64_5
	}

	h64 += uint64(n)

	for len(data) >= 8 {
		k1 := xxround(0, le64(data[:8]))
		h64 ^= k1
		h64 = rotl64(h64, 27)*prime64_1 + prime64_4
		data = data[8:]
	}
	if len(data) >= 4 {
		h64 ^= uint64(le32(data[:4])) * prime64_1
		h64 = rotl64(h64, 23)*prime64_2 + prime64_3
		data = data[4:]
	}
	for len(data) > 0 {
		h64 ^= uint64(data[0]) * prime64_5
		h64 = rotl64(h64, 11) * prime64_1
		data = data[1:]
	}

	h64 ^= h64 >> 33
	h64 *= prime64_2
	h64 ^= h64 >> 29
	h64 *= prime64_3
	h64 ^= h64 >> 32

	return h64
}

func xxround(acc, input uint64) uint64 {
	acc += input * prime64_2
	acc = rotl64(acc, 31)
	acc *= prime64_1
	return acc
}

func xxmergeround(acc, val uint64) uint64 {
	val = xxround(0, val)
	acc ^= val
	acc = acc*prime64_1 + prime64_4
	return acc
}

func rotl64(x uint64, r uint) uint64 {
	return (x << r) | (x >> (64 - r))
}

func le64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// nameSeed derives the seed xxhash64 is keyed with from an identity's name,
// per spec.md §4.1 ("seeded by a hash of name").
func nameSeed(name string) uint64 {
	return xxhash64([]byte(name), 0)
}
