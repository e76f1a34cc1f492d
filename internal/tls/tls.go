// Package tls builds the server side TLS configuration for the deployr API,
// optionally generating a self-signed certificate on first start.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// Config is the [server.tls] section.
type Config struct {
	Enabled      bool       `mapstructure:"enabled"`
	CertFile     string     `mapstructure:"cert_file"`
	KeyFile      string     `mapstructure:"key_file"`
	Dir          string     `mapstructure:"dir"`
	AutoGenerate bool       `mapstructure:"auto_generate"`
	MinVersion   string     `mapstructure:"min_version"`
	MaxVersion   string     `mapstructure:"max_version"`
	AutoGen      AutoGenTLS `mapstructure:"auto_gen"`
}

// AutoGenTLS overrides the defaults of a generated certificate.
type AutoGenTLS struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

// parseTLSVersion parses TLS version string and returns the corresponding constant
func parseTLSVersion(ver string) (uint16, bool) {
	switch ver {
	case "", "default":
		return tls.VersionTLS13, false
	case "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

func resolveTLSVersions(c Config) (min uint16, max uint16) {
	min = tls.VersionTLS13
	max = tls.VersionTLS13
	if v, ok := parseTLSVersion(c.MinVersion); ok {
		min = v
	}
	if v, ok := parseTLSVersion(c.MaxVersion); ok {
		max = v
	}
	return
}

// Validate reports configuration that Setup would reject.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	for _, v := range []string{c.MinVersion, c.MaxVersion} {
		if _, ok := parseTLSVersion(v); !ok && v != "" && v != "default" {
			return fmt.Errorf("server.tls: unknown version %q", v)
		}
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("server.tls: cert_file and key_file must be set together")
	}
	if c.CertFile == "" && c.Dir == "" {
		return errors.New("server.tls: enabled but neither cert_file/key_file nor dir is set")
	}
	min, max := resolveTLSVersions(c)
	if min > max {
		return errors.New("server.tls: min_version is above max_version")
	}
	return nil
}

// safeReadFile reads file content safely within base directory
func safeReadFile(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	if baseDir != "" {
		absBase, _ := filepath.Abs(baseDir)
		absFile, _ := filepath.Abs(clean)
		if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
			return nil, errors.New("file path outside of allowed directory")
		}
	}
	return os.ReadFile(clean)
}

// getCertificationFunc reloads the key pair on each handshake so rotated
// certificates are picked up without a restart.
func getCertificationFunc(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	baseDir := filepath.Dir(certFile)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		if readCert, err := safeReadFile(baseDir, certFile); err != nil {
			return nil, err
		} else if readKey, err := safeReadFile(baseDir, keyFile); err != nil {
			return nil, err
		} else {
			certificate, err := tls.X509KeyPair(readCert, readKey)
			return &certificate, err
		}
	}
}

// Setup returns nil when TLS is disabled. Explicit cert/key files win over
// a certificate directory.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	minVer, maxVer := resolveTLSVersions(c)

	if c.CertFile != "" && c.KeyFile != "" {
		if !certificatesExist(c.CertFile, c.KeyFile) {
			return nil, fmt.Errorf("certificate %s or key %s not found", c.CertFile, c.KeyFile)
		}
		return createTLSConfig(c.CertFile, c.KeyFile, minVer, maxVer), nil
	}

	keyPath := filepath.Join(c.Dir, tlsKey)
	certPath := filepath.Join(c.Dir, tlsCrt)
	if !certificatesExist(certPath, keyPath) {
		if !c.AutoGenerate {
			return nil, fmt.Errorf("no certificate in %s and auto_generate is off", c.Dir)
		}
		if err := generateCertificate(c.AutoGen, c.Dir); err != nil {
			return nil, fmt.Errorf("certificate generation failed: %w", err)
		}
	}
	return createTLSConfig(certPath, keyPath, minVer, maxVer), nil
}

// CACertPath is where Setup writes the CA of a generated certificate, for
// clients that want to trust it.
func CACertPath(dir string) string { return filepath.Join(dir, tlsCaCrt) }

func getOrDefault(value, defaultValue string) string {
	if value == "" {
		return defaultValue
	}
	return value
}

func getOrDefaultSlice(value, defaultValue []string) []string {
	if len(value) == 0 {
		return defaultValue
	}
	return value
}

func createTLSConfig(certPath, keyPath string, minVer, maxVer uint16) *tls.Config {
	// #nosec G402 TLS 1.2 is allowed only when configured
	return &tls.Config{
		GetCertificate: getCertificationFunc(certPath, keyPath),
		MinVersion:     minVer,
		MaxVersion:     maxVer,
	}
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func generateCertificate(autoGen AutoGenTLS, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	validDays := autoGen.ValidDays
	if validDays <= 0 {
		validDays = 365 * 5
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   getOrDefault(autoGen.CommonName, "localhost"),
		Organization: getOrDefault(autoGen.Organization, "deployr"),
		DNSNames:     getOrDefaultSlice(autoGen.DNSNames, []string{"localhost"}),
		IPAddresses:  getOrDefaultSlice(autoGen.IPAddresses, []string{"127.0.0.1"}),
		NotAfter:     time.Now().AddDate(0, 0, validDays),
		CertPath:     filepath.Join(destDir, tlsCrt),
		KeyPath:      filepath.Join(destDir, tlsKey),
		CACertPath:   filepath.Join(destDir, tlsCaCrt),
	})
}
