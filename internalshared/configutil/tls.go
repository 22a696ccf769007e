package configutil

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/hashicorp/go-secure-stdlib/strutil"
	"github.com/hashicorp/hcl"
	"github.com/hashicorp/hcl/hcl/ast"
)

// TLS is the tls { ... } block of the configuration file. The *File fields
// name files on disk; Load pulls their contents into the sibling fields.
type TLS struct {
	EnableSsl    bool        `hcl:"-"`
	EnableSslRaw interface{} `hcl:"enable_ssl"`

	CertificateFile string `hcl:"certificate_file"`
	Certificate     string `hcl:"-"`

	PrivateKeyFile string `hcl:"private_key_file"`
	PrivateKey     string `hcl:"-"`

	DHParamsFile string `hcl:"dh_params_file"`
	DHParams     string `hcl:"-"`

	RootCACertsPath string `hcl:"root_ca_certs_path"`
	CipherPrefs     string `hcl:"cipher_prefs"`
	PerformanceMode string `hcl:"ssl_performance_mode"`
}

// DefaultRootCACertsPath is the system trust bundle used when the config
// does not name one.
const DefaultRootCACertsPath = "/etc/ssl/certs/ca-bundle.crt"

var validTLSKeys = []string{
	"enable_ssl",
	"certificate_file",
	"private_key_file",
	"dh_params_file",
	"root_ca_certs_path",
	"cipher_prefs",
	"ssl_performance_mode",
}

func parseTLS(result *Config, list *ast.ObjectList) error {
	if len(list.Items) > 1 {
		return fmt.Errorf("only one 'tls' block is permitted")
	}
	item := list.Items[0]

	if o, ok := item.Val.(*ast.ObjectType); ok {
		for _, elem := range o.List.Items {
			key := elem.Keys[0].Token.Value().(string)
			if !strutil.StrListContains(validTLSKeys, key) {
				return fmt.Errorf("invalid key %q in tls block", key)
			}
		}
	}

	var t TLS
	if err := hcl.DecodeObject(&t, item.Val); err != nil {
		return err
	}

	if t.EnableSslRaw != nil {
		enabled, err := parseutil.ParseBool(t.EnableSslRaw)
		if err != nil {
			return fmt.Errorf("error parsing 'enable_ssl': %w", err)
		}
		t.EnableSsl = enabled
		t.EnableSslRaw = nil
	}
	if t.RootCACertsPath == "" {
		t.RootCACertsPath = DefaultRootCACertsPath
	}

	result.TLS = &t
	return nil
}

// Load reads the PEM material the block points at. Called before the TLS
// layer is built and again when a SIGHUP renews the certificate.
func (t *TLS) Load() error {
	if !t.EnableSsl {
		return nil
	}

	var merr *multierror.Error
	load := func(path, what string, into *string) {
		if path == "" {
			merr = multierror.Append(merr, fmt.Errorf("%s is required when enable_ssl is set", what))
			return
		}
		d, err := os.ReadFile(path)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("error reading %s: %w", what, err))
			return
		}
		*into = string(d)
	}

	load(t.CertificateFile, "certificate_file", &t.Certificate)
	load(t.PrivateKeyFile, "private_key_file", &t.PrivateKey)
	load(t.DHParamsFile, "dh_params_file", &t.DHParams)
	return merr.ErrorOrNil()
}
