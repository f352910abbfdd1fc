package lending

import (
	"context"
	"strings"
)

// Account identifies a custody account: a participant wallet or a vault.
type Account string

const walletPrefix = "wallet:"

// WalletAccount returns the custody account holding a participant's own funds.
func WalletAccount(owner string) Account {
	return Account(walletPrefix + owner)
}

// WalletOwner returns the participant a wallet account belongs to.
func WalletOwner(a Account) (string, bool) {
	s := string(a)
	if !strings.HasPrefix(s, walletPrefix) || len(s) == len(walletPrefix) {
		return "", false
	}
	return strings.TrimPrefix(s, walletPrefix), true
}

type SignerKind string

const (
	SignerParticipant SignerKind = "participant"
	SignerVault       SignerKind = "vault"
)

// CustodySigner is the authority a transfer is executed under.
type CustodySigner interface {
	SignerID() string
	Kind() SignerKind
}

type signer struct {
	id   string
	kind SignerKind
}

func (s signer) SignerID() string { return s.id }
func (s signer) Kind() SignerKind { return s.kind }

// ParticipantSigner authorizes a transfer with the participant's own key.
func ParticipantSigner(owner string) CustodySigner {
	return signer{id: owner, kind: SignerParticipant}
}

// VaultSigner authorizes a transfer with the program-controlled vault key.
func VaultSigner(id string) CustodySigner {
	return signer{id: id, kind: SignerVault}
}

// Transfer is a single instruction for the custody service.
type Transfer struct {
	From   Account
	To     Account
	Amount uint64
	Signer CustodySigner
}

// Custody moves value between custody accounts. Implementations either move
// the full amount or fail without moving anything.
type Custody interface {
	Transfer(ctx context.Context, t Transfer) error
}
