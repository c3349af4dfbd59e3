package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io/ioutil"

	"github.com/pkg/errors"
)

// Load reads a pem bundle holding the certificate chain and its private key.
func Load(path string) (*tls.Config, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return Parse(b)
}

func Parse(certData []byte) (config *tls.Config, err error) {
	var theCert tls.Certificate
	for {
		p, rest := pem.Decode(certData)
		if p == nil {
			break
		}
		switch p.Type {
		case "CERTIFICATE":
			if _, err = x509.ParseCertificate(p.Bytes); err != nil {
				return nil, errors.Wrap(err, "certificate")
			}
			theCert.Certificate = append(theCert.Certificate, p.Bytes)
		case "RSA PRIVATE KEY":
			if theCert.PrivateKey, err = x509.ParsePKCS1PrivateKey(p.Bytes); err != nil {
				return nil, errors.Wrap(err, "rsa key")
			}
		case "EC PRIVATE KEY":
			if theCert.PrivateKey, err = x509.ParseECPrivateKey(p.Bytes); err != nil {
				return nil, errors.Wrap(err, "ec key")
			}
		case "PRIVATE KEY":
			if theCert.PrivateKey, err = x509.ParsePKCS8PrivateKey(p.Bytes); err != nil {
				return nil, errors.Wrap(err, "pkcs8 key")
			}
		}
		certData = rest
	}

	if len(theCert.Certificate) == 0 {
		return nil, errors.New("no certificate in pem data")
	}
	if theCert.PrivateKey == nil {
		return nil, errors.New("no private key in pem data")
	}

	config = &tls.Config{Certificates: []tls.Certificate{theCert}}
	return
}
