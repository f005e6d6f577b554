// Package identity maps TLS peer certificates to logical SAE/KME/TN
// identities (spec §4.9). Certificate files are loaded once at startup;
// the (CN, serial) pair read off the live connection is the authorization
// principal for every request thereafter.
package identity

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"kme/pkg/errors"
)

// Kind distinguishes the three identity tables (spec §4.9).
type Kind string

const (
	KindSAE         Kind = "sae"
	KindKME         Kind = "kme"
	KindTrustedNode Kind = "trusted_node"
)

// Principal is the authorization principal resolved from a client
// certificate: a logical identity of a known kind.
type Principal struct {
	Kind Kind
	ID   string
	CN   string
}

type entry struct {
	id     string
	kind   Kind
	serial string
}

// Table is the (CN, serial) -> identity map, built once at startup and read
// without locks thereafter (spec §9). It is keyed by CN only; there is no
// lookup from a logical identity back to its certificate.
type Table struct {
	byCN map[string]entry
}

// NewTable builds an empty table; call Add for each configured principal.
func NewTable() *Table {
	return &Table{byCN: make(map[string]entry)}
}

// Add registers a principal's certificate file under its logical id.
func (t *Table) Add(kind Kind, id, certFile string) error {
	serial, cn, err := readCertIdentity(certFile)
	if err != nil {
		return errors.Wrap(errors.KindFatal, fmt.Sprintf("loading certificate for %s %q", kind, id), err)
	}
	t.byCN[cn] = entry{id: id, kind: kind, serial: serial}
	return nil
}

// Resolve maps a TLS connection state to a Principal, enforcing that both
// the CN is known and the serial matches what was loaded at startup (spec
// §4.8 step 1).
func (t *Table) Resolve(state *tls.ConnectionState) (Principal, error) {
	if state == nil || len(state.PeerCertificates) == 0 {
		return Principal{}, errors.New(errors.KindIdentity, "no client certificate presented")
	}
	cert := state.PeerCertificates[0]
	cn := cert.Subject.CommonName

	e, ok := t.byCN[cn]
	if !ok {
		return Principal{}, errors.New(errors.KindIdentity, fmt.Sprintf("unknown principal CN %q", cn))
	}

	serial := cert.SerialNumber.String()
	if serial != e.serial {
		return Principal{}, errors.New(errors.KindIdentity, fmt.Sprintf("certificate serial mismatch for CN %q", cn))
	}

	return Principal{Kind: e.kind, ID: e.id, CN: cn}, nil
}

func readCertIdentity(path string) (serial, cn string, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return "", "", fmt.Errorf("no PEM block found in %q", path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", "", err
	}
	return cert.SerialNumber.String(), cert.Subject.CommonName, nil
}
