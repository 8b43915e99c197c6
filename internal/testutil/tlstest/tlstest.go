// Package tlstest writes a throwaway certificate authority plus one server
// and one client certificate for TLS tests.
package tlstest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Files are PEM paths under a test temp dir.
type Files struct {
	CA         string
	ServerCert string
	ServerKey  string
	ClientCert string
	ClientKey  string
}

type issuer struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	dir  string
	next int64
}

// Generate issues certificates valid for one day. hosts become the server
// certificate's DNS names, or IP SANs when they parse as addresses.
func Generate(t testing.TB, hosts ...string) Files {
	t.Helper()
	dir := t.TempDir()
	ca := &issuer{dir: dir, next: 1}

	caTmpl := ca.template("durable test ca")
	caTmpl.IsCA = true
	caTmpl.BasicConstraintsValid = true
	caTmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	caPath, _ := ca.sign(t, "ca", caTmpl, nil)

	srvTmpl := ca.template("durable test server")
	srvTmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			srvTmpl.IPAddresses = append(srvTmpl.IPAddresses, ip)
		} else {
			srvTmpl.DNSNames = append(srvTmpl.DNSNames, h)
		}
	}
	srvCert, srvKey := ca.sign(t, "server", srvTmpl, ca)

	cliTmpl := ca.template("durable test client")
	cliTmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	cliCert, cliKey := ca.sign(t, "client", cliTmpl, ca)

	return Files{CA: caPath, ServerCert: srvCert, ServerKey: srvKey, ClientCert: cliCert, ClientKey: cliKey}
}

func (ca *issuer) template(cn string) *x509.Certificate {
	now := time.Now()
	ca.next++
	return &x509.Certificate{
		SerialNumber: big.NewInt(ca.next),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
}

// sign self-signs tmpl when parent is nil and makes the result the issuing
// certificate.
func (ca *issuer) sign(t testing.TB, name string, tmpl *x509.Certificate, parent *issuer) (certPath, keyPath string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("tlstest: generate %s key: %v", name, err)
	}
	signer, signerKey := tmpl, key
	if parent != nil {
		signer, signerKey = parent.cert, parent.key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, signer, &key.PublicKey, signerKey)
	if err != nil {
		t.Fatalf("tlstest: create %s cert: %v", name, err)
	}
	if parent == nil {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			t.Fatalf("tlstest: parse %s cert: %v", name, err)
		}
		ca.cert, ca.key = cert, key
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("tlstest: marshal %s key: %v", name, err)
	}

	certPath = filepath.Join(ca.dir, name+".crt")
	keyPath = filepath.Join(ca.dir, name+".key")
	writePEM(t, certPath, "CERTIFICATE", der, 0o644)
	writePEM(t, keyPath, "EC PRIVATE KEY", keyDER, 0o600)
	return certPath, keyPath
}

func writePEM(t testing.TB, path, blockType string, der []byte, perm os.FileMode) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		t.Fatalf("tlstest: write %s: %v", path, err)
	}
}
