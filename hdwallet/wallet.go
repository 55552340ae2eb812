// Package hdwallet derives wallet and device identity from a BIP-39 mnemonic.
//
// The root node is the BIP-32 key at DefaultDerivationPath (VeChain, coin
// type 818). Its address is the Ethereum-style Keccak-256 address of the
// uncompressed public key, which VeChain shares.
package hdwallet

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/sha3"
)

// DefaultDerivationPath is the path from the BIP-32 master to the root node.
const DefaultDerivationPath = "m/44'/818'/0'/0"

// NonceBits is the size of the random Wallet nonce.
const NonceBits = 256

var (
	ErrInvalidMnemonic   = errors.New("invalid mnemonic")
	ErrDuplicateDevice   = errors.New("a device with this root address already exists")
	ErrInvalidPath       = errors.New("invalid derivation path")
	ErrInvalidWordCount  = errors.New("word count must be 12, 15, 18, 21 or 24")
	ErrDerivationFailure = errors.New("key derivation failed")
)

// DeviceType identifies the source of a device's keys.
type DeviceType string

const (
	DeviceTypeLocalMnemonic   DeviceType = "LOCAL_MNEMONIC"
	DeviceTypeLedger          DeviceType = "LEDGER"
	DeviceTypeLocalPrivateKey DeviceType = "LOCAL_PRIVATE_KEY"
	DeviceTypeLocalWatched    DeviceType = "LOCAL_WATCHED"
)

// Wallet holds the secret material of a mnemonic device.
type Wallet struct {
	Mnemonic    []string `cbor:"mnemonic" json:"mnemonic"`
	Nonce       string   `cbor:"nonce" json:"nonce"`
	RootAddress string   `cbor:"root_address" json:"rootAddress"`
}

// XPub is the public half of the root node.
type XPub struct {
	PublicKey string `cbor:"public_key" json:"publicKey"` // compressed, hex
	ChainCode string `cbor:"chain_code" json:"chainCode"` // hex
}

// Device is the public record of an onboarded key source.
type Device struct {
	Alias       string     `cbor:"alias" json:"alias"`
	XPub        XPub       `cbor:"xpub" json:"xPub"`
	RootAddress string     `cbor:"root_address" json:"rootAddress"`
	Type        DeviceType `cbor:"type" json:"type"`
	Index       int        `cbor:"index" json:"index"`
}

// Labeler supplies the localized label used in device aliases.
type Labeler interface {
	Label() string
}

// Deriver derives wallets along a fixed path.
type Deriver struct {
	path []uint32
	net  *chaincfg.Params
}

// NewDeriver parses path (e.g. "m/44'/818'/0'/0") once.
func NewDeriver(path string) (*Deriver, error) {
	if path == "" {
		path = DefaultDerivationPath
	}
	parsed, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	return &Deriver{path: parsed, net: &chaincfg.MainNetParams}, nil
}

// DeriveWallet validates mnemonic and derives its Wallet and Device.
// Nothing is constructed when the mnemonic fails validation.
func (d *Deriver) DeriveWallet(mnemonic []string, index, aliasIndex int, labeler Labeler) (*Wallet, *Device, error) {
	phrase := strings.Join(mnemonic, " ")
	if !bip39.IsMnemonicValid(phrase) {
		return nil, nil, ErrInvalidMnemonic
	}

	root, err := d.rootNode(phrase)
	if err != nil {
		return nil, nil, err
	}

	pub, err := root.ECPubKey()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDerivationFailure, err)
	}
	address := addressFromUncompressed(pub.SerializeUncompressed())

	nonce, err := randomHex(NonceBits)
	if err != nil {
		return nil, nil, err
	}

	words := make([]string, len(mnemonic))
	copy(words, mnemonic)

	wallet := &Wallet{
		Mnemonic:    words,
		Nonce:       nonce,
		RootAddress: address,
	}

	label := "Wallet"
	if labeler != nil {
		label = labeler.Label()
	}

	device := &Device{
		Alias: label + " " + strconv.Itoa(aliasIndex),
		XPub: XPub{
			PublicKey: hex.EncodeToString(pub.SerializeCompressed()),
			ChainCode: hex.EncodeToString(root.ChainCode()),
		},
		RootAddress: address,
		Type:        DeviceTypeLocalMnemonic,
		Index:       index,
	}

	return wallet, device, nil
}

// SerializeXPub returns the BIP-32 base58 form of the root node's public key.
func (d *Deriver) SerializeXPub(mnemonic []string) (string, error) {
	phrase := strings.Join(mnemonic, " ")
	if !bip39.IsMnemonicValid(phrase) {
		return "", ErrInvalidMnemonic
	}
	root, err := d.rootNode(phrase)
	if err != nil {
		return "", err
	}
	neutered, err := root.Neuter()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDerivationFailure, err)
	}
	return neutered.String(), nil
}

func (d *Deriver) rootNode(phrase string) (*hdkeychain.ExtendedKey, error) {
	seed := bip39.NewSeed(phrase, "")
	defer zero(seed)

	key, err := hdkeychain.NewMaster(seed, d.net)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDerivationFailure, err)
	}

	for _, idx := range d.path {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDerivationFailure, err)
		}
	}
	return key, nil
}

// GenerateMnemonic returns a fresh BIP-39 mnemonic of the given word count.
func GenerateMnemonic(words int) ([]string, error) {
	var bits int
	switch words {
	case 12, 15, 18, 21, 24:
		bits = words / 3 * 32
	default:
		return nil, ErrInvalidWordCount
	}

	entropy, err := bip39.NewEntropy(bits)
	if err != nil {
		return nil, fmt.Errorf("generate entropy: %w", err)
	}
	defer zero(entropy)

	phrase, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("generate mnemonic: %w", err)
	}
	return strings.Fields(phrase), nil
}

// NormalizeMnemonic lower-cases and splits user input on any whitespace.
func NormalizeMnemonic(input string) []string {
	return strings.Fields(strings.ToLower(strings.TrimSpace(input)))
}

// ValidateMnemonic checks word count, wordlist membership and checksum.
func ValidateMnemonic(mnemonic []string) bool {
	return bip39.IsMnemonicValid(strings.Join(mnemonic, " "))
}

// CheckDuplicate rejects candidate when an existing device shares its root
// address. Addresses compare case-insensitively.
func CheckDuplicate(existing []Device, candidate Device) error {
	for _, dev := range existing {
		if strings.EqualFold(dev.RootAddress, candidate.RootAddress) {
			return fmt.Errorf("%w: %s", ErrDuplicateDevice, dev.Alias)
		}
	}
	return nil
}

// ParsePath parses a BIP-32 path such as "m/44'/818'/0'/0".
func ParsePath(path string) ([]uint32, error) {
	parts := strings.Split(strings.TrimSpace(path), "/")
	if len(parts) == 0 || parts[0] != "m" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}

	out := make([]uint32, 0, len(parts)-1)
	for _, p := range parts[1:] {
		hardened := strings.HasSuffix(p, "'") || strings.HasSuffix(p, "h")
		p = strings.TrimRight(p, "'h")
		n, err := strconv.ParseUint(p, 10, 31)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
		idx := uint32(n)
		if hardened {
			idx += hdkeychain.HardenedKeyStart
		}
		out = append(out, idx)
	}
	return out, nil
}

func addressFromUncompressed(pub []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(pub[1:])
	sum := h.Sum(nil)
	return "0x" + hex.EncodeToString(sum[12:])
}

func randomHex(bits int) (string, error) {
	b := make([]byte, bits/8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
