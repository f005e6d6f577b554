// Command gencerts provisions a CA and one leaf certificate per named
// principal (a KME, an SAE, or a trusted node) for a local development
// overlay: every attached_kmes/attached_saes/attached_trusted_nodes entry
// in a settings.json needs a cert file identity.Table can load, all signed
// by the same CA so every kmed process's ca_file can verify every peer.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"log"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

func main() {
	outDir := flag.String("out", "certs", "output directory for generated certificates")
	names := flag.String("cn", "kme-a,kme-b,sae-1,sae-2,tn-a,tn-b", "comma-separated list of common names to issue leaf certificates for")
	flag.Parse()

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		log.Fatalf("creating output directory: %v", err)
	}

	ca, caKey := generateCA()
	pemEncodeCert(filepath.Join(*outDir, "ca.crt"), ca.raw)
	pemEncodeKey(filepath.Join(*outDir, "ca.key"), caKey)

	serial := int64(1000)
	for _, cn := range strings.Split(*names, ",") {
		cn = strings.TrimSpace(cn)
		if cn == "" {
			continue
		}
		serial++
		leafBytes, leafKey := issueLeaf(cn, serial, ca.cert, caKey)
		pemEncodeCert(filepath.Join(*outDir, cn+".crt"), leafBytes)
		pemEncodeKey(filepath.Join(*outDir, cn+".key"), leafKey)
		log.Printf("issued %s.crt/%s.key (serial %d)", cn, cn, serial)
	}

	log.Printf("CA and leaf certificates written to %s/", *outDir)
}

type issuedCA struct {
	cert *x509.Certificate
	raw  []byte
}

func generateCA() (issuedCA, *rsa.PrivateKey) {
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"QKD Trusted Node Overlay"},
			CommonName:   "qkd-overlay-root-ca",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		IsCA:                  true,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}

	key, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		log.Fatal(err)
	}

	raw, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		log.Fatal(err)
	}
	cert, err := x509.ParseCertificate(raw)
	if err != nil {
		log.Fatal(err)
	}

	return issuedCA{cert: cert, raw: raw}, key
}

// issueLeaf signs a certificate for cn usable both as a TLS server identity
// (a kmed process presenting server_cert_file) and as a client identity (the
// same pair, or a distinct sae_cert/sae_key pair, presented on outbound
// mTLS calls) — spec §4.9 treats both roles as the same certificate.
func issueLeaf(cn string, serial int64, ca *x509.Certificate, caKey *rsa.PrivateKey) ([]byte, *rsa.PrivateKey) {
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject: pkix.Name{
			Organization: []string{"QKD Trusted Node Overlay"},
			CommonName:   cn,
		},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		SubjectKeyId: big.NewInt(serial).Bytes(),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}

	key, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		log.Fatal(err)
	}

	raw, err := x509.CreateCertificate(rand.Reader, tmpl, ca, &key.PublicKey, caKey)
	if err != nil {
		log.Fatal(err)
	}

	return raw, key
}

func pemEncodeCert(path string, der []byte) {
	out, err := os.Create(path)
	if err != nil {
		log.Fatal(err)
	}
	defer out.Close()
	pem.Encode(out, &pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func pemEncodeKey(path string, key *rsa.PrivateKey) {
	out, err := os.Create(path)
	if err != nil {
		log.Fatal(err)
	}
	defer out.Close()
	pem.Encode(out, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}
