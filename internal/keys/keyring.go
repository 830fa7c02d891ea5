package keys

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
	"github.com/tyler-smith/go-bip39"

	"github.com/Fantasim/stablewatch/internal/config"
	"github.com/Fantasim/stablewatch/internal/models"
)

// Family identifies the signing scheme a chain uses.
type Family int

const (
	FamilyEVM Family = iota
	FamilySolana
	FamilyTron
)

// FamilyOf maps a chain to its signing family.
func FamilyOf(chain models.Chain) Family {
	switch chain {
	case models.ChainSolana:
		return FamilySolana
	case models.ChainTron:
		return FamilyTron
	default:
		return FamilyEVM
	}
}

// Key is decrypted signing material for one wallet. Callers must Zero it
// when done.
type Key struct {
	Family  Family
	ECDSA   *ecdsa.PrivateKey  // EVM and Tron
	Ed25519 ed25519.PrivateKey // Solana
}

// Zero wipes the private scalar bytes.
func (k *Key) Zero() {
	if k.ECDSA != nil && k.ECDSA.D != nil {
		k.ECDSA.D.SetInt64(0)
	}
	for i := range k.Ed25519 {
		k.Ed25519[i] = 0
	}
}

// DerivedWallet is the public result of deriving a receiving address.
type DerivedWallet struct {
	Address      string
	EncryptedKey string
	Index        int
}

// Keyring derives per-chain keys from a BIP-39 master seed and encrypts them
// at rest. It implements the key-provider collaborator the engine and sweep
// scheduler depend on.
type Keyring struct {
	master *hdkeychain.ExtendedKey
	cipher *keyCipher
}

// NewKeyring builds a Keyring from a mnemonic file and an encryption secret.
func NewKeyring(mnemonicFile, secret string) (*Keyring, error) {
	data, err := os.ReadFile(mnemonicFile)
	if err != nil {
		return nil, fmt.Errorf("read mnemonic file %q: %w", mnemonicFile, err)
	}
	mnemonic := strings.TrimSpace(string(data))

	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("mnemonic file %q: %w", mnemonicFile, ErrInvalidMnemonic)
	}

	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, fmt.Errorf("mnemonic to seed: %w", err)
	}

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}

	cipher, err := newKeyCipher(secret)
	if err != nil {
		return nil, err
	}

	slog.Info("keyring initialized")
	return &Keyring{master: master, cipher: cipher}, nil
}

// Derive produces the receiving address at the given index for a chain and
// returns it together with the encrypted private key blob for storage.
func (r *Keyring) Derive(chain models.Chain, index int) (*DerivedWallet, error) {
	scalar, err := r.deriveScalar(chain, index)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(scalar)

	address, err := addressFromScalar(chain, scalar)
	if err != nil {
		return nil, err
	}

	blob, err := r.cipher.encrypt(scalar)
	if err != nil {
		return nil, fmt.Errorf("encrypt key for %s index %d: %w", chain, index, err)
	}

	slog.Debug("address derived", "chain", chain, "index", index, "address", address)
	return &DerivedWallet{Address: address, EncryptedKey: blob, Index: index}, nil
}

// DeriveKey returns decrypted signing material at an index. Used for the
// operational gas-fee wallets whose keys are never stored.
func (r *Keyring) DeriveKey(chain models.Chain, index int) (*Key, string, error) {
	scalar, err := r.deriveScalar(chain, index)
	if err != nil {
		return nil, "", err
	}
	defer zeroBytes(scalar)

	address, err := addressFromScalar(chain, scalar)
	if err != nil {
		return nil, "", err
	}

	key, err := keyFromScalar(chain, scalar)
	if err != nil {
		return nil, "", err
	}
	return key, address, nil
}

// Open decrypts a stored key blob back into signing material.
func (r *Keyring) Open(chain models.Chain, encryptedKey string) (*Key, error) {
	scalar, err := r.cipher.decrypt(encryptedKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt key for %s: %w", chain, err)
	}
	defer zeroBytes(scalar)

	return keyFromScalar(chain, scalar)
}

// deriveScalar walks the BIP-44 path for a chain and returns the 32-byte
// private scalar at the leaf.
func (r *Keyring) deriveScalar(chain models.Chain, index int) ([]byte, error) {
	coinType := uint32(config.EVMCoinType)
	switch FamilyOf(chain) {
	case FamilySolana:
		coinType = config.SOLCoinType
	case FamilyTron:
		coinType = config.TronCoinType
	}

	// m/44'/coin'/0'/0/index (Solana: m/44'/501'/index')
	path := []uint32{
		hdkeychain.HardenedKeyStart + config.BIP44Purpose,
		hdkeychain.HardenedKeyStart + coinType,
	}
	if FamilyOf(chain) == FamilySolana {
		path = append(path, hdkeychain.HardenedKeyStart+uint32(index))
	} else {
		path = append(path,
			hdkeychain.HardenedKeyStart+0,
			0,
			uint32(index),
		)
	}

	key := r.master
	var err error
	for _, step := range path {
		key, err = key.Derive(step)
		if err != nil {
			return nil, fmt.Errorf("derive path step %d for %s: %w", step, chain, err)
		}
	}

	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("extract private key for %s index %d: %w", chain, index, err)
	}

	scalar := priv.Serialize()
	priv.Zero()
	return scalar, nil
}

// addressFromScalar computes the chain address for a private scalar.
func addressFromScalar(chain models.Chain, scalar []byte) (string, error) {
	switch FamilyOf(chain) {
	case FamilySolana:
		priv := ed25519.NewKeyFromSeed(scalar)
		pub := priv.Public().(ed25519.PublicKey)
		return base58.Encode(pub), nil

	case FamilyTron:
		priv, err := ethcrypto.ToECDSA(scalar)
		if err != nil {
			return "", fmt.Errorf("tron scalar to key: %w", err)
		}
		ethAddr := ethcrypto.PubkeyToAddress(priv.PublicKey)
		return TronAddressFromEVM(ethAddr.Bytes()), nil

	default:
		priv, err := ethcrypto.ToECDSA(scalar)
		if err != nil {
			return "", fmt.Errorf("evm scalar to key: %w", err)
		}
		return ethcrypto.PubkeyToAddress(priv.PublicKey).Hex(), nil
	}
}

// keyFromScalar builds signing material for a private scalar.
func keyFromScalar(chain models.Chain, scalar []byte) (*Key, error) {
	switch FamilyOf(chain) {
	case FamilySolana:
		seed := make([]byte, len(scalar))
		copy(seed, scalar)
		return &Key{Family: FamilySolana, Ed25519: ed25519.NewKeyFromSeed(seed)}, nil

	case FamilyTron:
		priv, err := ethcrypto.ToECDSA(scalar)
		if err != nil {
			return nil, fmt.Errorf("tron scalar to key: %w", err)
		}
		return &Key{Family: FamilyTron, ECDSA: priv}, nil

	default:
		priv, err := ethcrypto.ToECDSA(scalar)
		if err != nil {
			return nil, fmt.Errorf("evm scalar to key: %w", err)
		}
		return &Key{Family: FamilyEVM, ECDSA: priv}, nil
	}
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
