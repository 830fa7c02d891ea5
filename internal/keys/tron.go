package keys

import (
	"crypto/sha256"

	"github.com/mr-tron/base58"
)

// tronAddressPrefix is the mainnet version byte prepended to the 20-byte
// account hash before base58check encoding. It makes encoded addresses
// start with "T".
const tronAddressPrefix = 0x41

// TronAddressFromEVM converts a 20-byte keccak account hash (the same bytes
// an EVM address uses) to a base58check Tron address.
func TronAddressFromEVM(account []byte) string {
	payload := append([]byte{tronAddressPrefix}, account...)

	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])

	return base58.Encode(append(payload, second[:4]...))
}

// TronAddressToEVM decodes a base58check Tron address back to its 20-byte
// account hash. Returns false when the checksum or prefix is wrong.
func TronAddressToEVM(address string) ([]byte, bool) {
	raw, err := base58.Decode(address)
	if err != nil || len(raw) != 25 || raw[0] != tronAddressPrefix {
		return nil, false
	}

	payload, checksum := raw[:21], raw[21:]
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	for i := 0; i < 4; i++ {
		if checksum[i] != second[i] {
			return nil, false
		}
	}
	return payload[1:], true
}
