// Package tls builds the server side TLS configuration, optionally
// generating a self-signed certificate on first start.
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
	CACertFile = "tls_ca.crt"
	CertFile   = "tls.crt"
	KeyFile    = "tls.key"
)

// Settings is the [server.tls] config section.
type Settings struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	// Dir holds tls.crt and tls.key; used when CertFile/KeyFile are empty.
	Dir          string  `mapstructure:"dir"`
	AutoGenerate bool    `mapstructure:"auto_generate"`
	AutoGen      AutoGen `mapstructure:"auto_gen"`
	MinVersion   string  `mapstructure:"min_version"`
	MaxVersion   string  `mapstructure:"max_version"`
}

// AutoGen describes the self-signed certificate written by AutoGenerate.
type AutoGen struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

// Validate reports settings that cannot produce a certificate.
func (s Settings) Validate() error {
	if !s.Enabled {
		return nil
	}
	if (s.CertFile == "") != (s.KeyFile == "") {
		return errors.New("cert_file and key_file must be set together")
	}
	if s.CertFile == "" && s.Dir == "" {
		return errors.New("TLS enabled but neither cert_file/key_file nor dir is set")
	}
	if _, ok := parseTLSVersion(s.MinVersion); !ok && s.MinVersion != "" {
		return fmt.Errorf("unknown min_version %q", s.MinVersion)
	}
	if _, ok := parseTLSVersion(s.MaxVersion); !ok && s.MaxVersion != "" {
		return fmt.Errorf("unknown max_version %q", s.MaxVersion)
	}
	return nil
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

// resolveTLSVersions resolves minimum and maximum TLS versions
func resolveTLSVersions(s Settings) (min uint16, max uint16) {
	// Defaults: 1.3
	min = tls.VersionTLS13
	max = tls.VersionTLS13
	if v, ok := parseTLSVersion(s.MinVersion); ok {
		min = v
	}
	if v, ok := parseTLSVersion(s.MaxVersion); ok {
		max = v
	}
	return
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

// getCertificationFunc loads the key pair on every handshake so renewed
// certificates are picked up without a restart.
func getCertificationFunc(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	baseDir := filepath.Dir(certFile)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		readCert, err := safeReadFile(baseDir, certFile)
		if err != nil {
			return nil, err
		}
		readKey, err := safeReadFile(baseDir, keyFile)
		if err != nil {
			return nil, err
		}
		certificate, err := tls.X509KeyPair(readCert, readKey)
		return &certificate, err
	}
}

// SetupTLS returns the server TLS configuration, or nil when TLS is
// disabled. Explicit cert/key files win over Dir.
func SetupTLS(s Settings) (*tls.Config, error) {
	if !s.Enabled {
		return nil, nil
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	minVer, maxVer := resolveTLSVersions(s)

	if s.CertFile != "" {
		if !certificatesExist(s.CertFile, s.KeyFile) {
			return nil, fmt.Errorf("certificate %s or key %s not found", s.CertFile, s.KeyFile)
		}
		return createTLSConfig(s.CertFile, s.KeyFile, minVer, maxVer), nil
	}

	keyPath := filepath.Join(s.Dir, KeyFile)
	certPath := filepath.Join(s.Dir, CertFile)
	if !certificatesExist(certPath, keyPath) {
		if !s.AutoGenerate {
			return nil, fmt.Errorf("no certificate in %s and auto_generate is off", s.Dir)
		}
		if err := generateCertificate(s.AutoGen, s.Dir); err != nil {
			return nil, fmt.Errorf("certificate generation failed: %w", err)
		}
	}
	return createTLSConfig(certPath, keyPath, minVer, maxVer), nil
}

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
	// #nosec G402 TLS 1.2 may be allowed explicitly
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

// generateCertificate writes a self-signed certificate, its key and a CA
// copy for clients into destDir.
func generateCertificate(autoGen AutoGen, destDir string) error {
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	validDays := autoGen.ValidDays
	if validDays <= 0 {
		validDays = 365 * 5
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   getOrDefault(autoGen.CommonName, "localhost"),
		Organization: getOrDefault(autoGen.Organization, "simrunner"),
		DNSNames:     getOrDefaultSlice(autoGen.DNSNames, []string{"localhost"}),
		IPAddresses:  getOrDefaultSlice(autoGen.IPAddresses, []string{"127.0.0.1", "::1"}),
		NotAfter:     time.Now().AddDate(0, 0, validDays),
		CertPath:     filepath.Join(destDir, CertFile),
		KeyPath:      filepath.Join(destDir, KeyFile),
		CACertPath:   filepath.Join(destDir, CACertFile),
	})
}
