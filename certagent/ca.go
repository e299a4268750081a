package certagent

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

func parseCA(certPEM, keyPEM []byte) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("certagent: no PEM block found in CA certificate")
	}
	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("certagent: CA certificate parse failed: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("certagent: no PEM block found in CA key")
	}

	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		pkcs8, perr := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if perr != nil {
			return nil, nil, fmt.Errorf("certagent: CA key parse failed: %w", err)
		}
		ecKey, ok := pkcs8.(*ecdsa.PrivateKey)
		if !ok {
			return nil, nil, fmt.Errorf("certagent: CA key is not an ECDSA key")
		}
		key = ecKey
	}

	if !caCert.IsCA {
		return nil, nil, fmt.Errorf("certagent: configured certificate is not a CA")
	}

	return caCert, key, nil
}
