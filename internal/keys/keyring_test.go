package keys

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Fantasim/stablewatch/internal/models"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func newTestKeyring(t *testing.T) *Keyring {
	t.Helper()

	path := filepath.Join(t.TempDir(), "mnemonic.txt")
	if err := os.WriteFile(path, []byte(testMnemonic+"\n"), 0o600); err != nil {
		t.Fatalf("write mnemonic file: %v", err)
	}

	ring, err := NewKeyring(path, "unit-test-secret-0123456789")
	if err != nil {
		t.Fatalf("NewKeyring() error = %v", err)
	}
	return ring
}

func TestDeriveDeterministic(t *testing.T) {
	ring := newTestKeyring(t)

	for _, chain := range models.Chains {
		first, err := ring.Derive(chain, 100)
		if err != nil {
			t.Fatalf("Derive(%s, 100) error = %v", chain, err)
		}
		second, err := ring.Derive(chain, 100)
		if err != nil {
			t.Fatalf("Derive(%s, 100) second call error = %v", chain, err)
		}
		if first.Address != second.Address {
			t.Errorf("Derive(%s, 100) not deterministic: %s != %s", chain, first.Address, second.Address)
		}

		other, err := ring.Derive(chain, 101)
		if err != nil {
			t.Fatalf("Derive(%s, 101) error = %v", chain, err)
		}
		if other.Address == first.Address {
			t.Errorf("Derive(%s) index 100 and 101 produced the same address %s", chain, first.Address)
		}
	}
}

func TestDeriveAddressShape(t *testing.T) {
	ring := newTestKeyring(t)

	evm, err := ring.Derive(models.ChainEthereum, 100)
	if err != nil {
		t.Fatalf("Derive(ethereum) error = %v", err)
	}
	if !strings.HasPrefix(evm.Address, "0x") || len(evm.Address) != 42 {
		t.Errorf("ethereum address %q is not a 0x 20-byte hex address", evm.Address)
	}

	tron, err := ring.Derive(models.ChainTron, 100)
	if err != nil {
		t.Fatalf("Derive(tron) error = %v", err)
	}
	if !strings.HasPrefix(tron.Address, "T") {
		t.Errorf("tron address %q does not start with T", tron.Address)
	}
	if _, ok := TronAddressToEVM(tron.Address); !ok {
		t.Errorf("tron address %q failed base58check round trip", tron.Address)
	}

	sol, err := ring.Derive(models.ChainSolana, 100)
	if err != nil {
		t.Fatalf("Derive(solana) error = %v", err)
	}
	if sol.Address == "" || strings.HasPrefix(sol.Address, "0x") {
		t.Errorf("solana address %q should be base58, not hex", sol.Address)
	}
}

func TestOpenRoundTrip(t *testing.T) {
	ring := newTestKeyring(t)

	for _, chain := range []models.Chain{models.ChainEthereum, models.ChainSolana, models.ChainTron} {
		derived, err := ring.Derive(chain, 105)
		if err != nil {
			t.Fatalf("Derive(%s) error = %v", chain, err)
		}

		key, err := ring.Open(chain, derived.EncryptedKey)
		if err != nil {
			t.Fatalf("Open(%s) error = %v", chain, err)
		}

		switch FamilyOf(chain) {
		case FamilySolana:
			if len(key.Ed25519) == 0 {
				t.Errorf("Open(%s) returned no ed25519 key", chain)
			}
		default:
			if key.ECDSA == nil {
				t.Errorf("Open(%s) returned no ecdsa key", chain)
			}
		}
		key.Zero()
	}
}

func TestOpenRejectsWrongSecret(t *testing.T) {
	ring := newTestKeyring(t)

	derived, err := ring.Derive(models.ChainBSC, 100)
	if err != nil {
		t.Fatalf("Derive() error = %v", err)
	}

	path := filepath.Join(t.TempDir(), "mnemonic.txt")
	if err := os.WriteFile(path, []byte(testMnemonic), 0o600); err != nil {
		t.Fatalf("write mnemonic file: %v", err)
	}
	other, err := NewKeyring(path, "a-different-secret-9876543210")
	if err != nil {
		t.Fatalf("NewKeyring() error = %v", err)
	}

	if _, err := other.Open(models.ChainBSC, derived.EncryptedKey); err == nil {
		t.Error("Open() with wrong secret should fail")
	}
}

func TestDeriveKeyMatchesDerive(t *testing.T) {
	ring := newTestKeyring(t)

	derived, err := ring.Derive(models.ChainPolygon, 100)
	if err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	key, address, err := ring.DeriveKey(models.ChainPolygon, 100)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	defer key.Zero()

	if address != derived.Address {
		t.Errorf("DeriveKey() address = %s, Derive() address = %s", address, derived.Address)
	}
}

func TestBSCAndBUSDShareDerivation(t *testing.T) {
	ring := newTestKeyring(t)

	bsc, err := ring.Derive(models.ChainBSC, 100)
	if err != nil {
		t.Fatalf("Derive(bsc) error = %v", err)
	}
	busd, err := ring.Derive(models.ChainBUSD, 100)
	if err != nil {
		t.Fatalf("Derive(busd) error = %v", err)
	}
	if bsc.Address != busd.Address {
		t.Errorf("bsc and busd at the same index should share an address: %s != %s", bsc.Address, busd.Address)
	}
}

func TestNewKeyringRejectsBadMnemonic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mnemonic.txt")
	if err := os.WriteFile(path, []byte("not a valid mnemonic at all"), 0o600); err != nil {
		t.Fatalf("write mnemonic file: %v", err)
	}

	if _, err := NewKeyring(path, "unit-test-secret-0123456789"); err == nil {
		t.Error("NewKeyring() with invalid mnemonic should fail")
	}
}
