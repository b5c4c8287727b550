package simplemigrate

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// ChecksumAlgorithm is a digest algorithm name as used in system metadata.
type ChecksumAlgorithm string

// Supported checksum algorithms.
const (
	ChecksumMD5    ChecksumAlgorithm = "MD5"
	ChecksumSHA1   ChecksumAlgorithm = "SHA-1"
	ChecksumSHA256 ChecksumAlgorithm = "SHA-256"
	ChecksumSHA384 ChecksumAlgorithm = "SHA-384"
	ChecksumSHA512 ChecksumAlgorithm = "SHA-512"
)

// ParseChecksumAlgorithm normalizes a user-supplied algorithm name
// ("sha256", "SHA-256", "md5", ...).
func ParseChecksumAlgorithm(name string) (ChecksumAlgorithm, error) {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", "")) {
	case "MD5":
		return ChecksumMD5, nil
	case "SHA1":
		return ChecksumSHA1, nil
	case "SHA256":
		return ChecksumSHA256, nil
	case "SHA384":
		return ChecksumSHA384, nil
	case "SHA512":
		return ChecksumSHA512, nil
	default:
		return "", fmt.Errorf("unsupported checksum algorithm: %q", name)
	}
}

// New returns a fresh hash for the algorithm.
func (a ChecksumAlgorithm) New() (hash.Hash, error) {
	switch a {
	case ChecksumMD5:
		return md5.New(), nil
	case ChecksumSHA1:
		return sha1.New(), nil
	case ChecksumSHA256:
		return sha256.New(), nil
	case ChecksumSHA384:
		return sha512.New384(), nil
	case ChecksumSHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm: %q", string(a))
	}
}

// ComputeChecksum digests data with the algorithm. The value is lower-case hex.
func ComputeChecksum(alg ChecksumAlgorithm, data []byte) (Checksum, error) {
	h, err := alg.New()
	if err != nil {
		return Checksum{}, err
	}
	h.Write(data)
	return Checksum{Algorithm: alg, Value: hex.EncodeToString(h.Sum(nil))}, nil
}
