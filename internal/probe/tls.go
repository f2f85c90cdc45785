package probe

import "crypto/tls"

// insecureTLSConfig is used only by the P6 TLS liveness sub-check, which is
// documented as a liveness check rather than a certificate-validation check.
func insecureTLSConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true}
}
