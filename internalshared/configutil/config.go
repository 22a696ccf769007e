package configutil

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl"
	"github.com/hashicorp/hcl/hcl/ast"
)

// Config is the parsed server configuration file.
type Config struct {
	FoundKeys []string `hcl:",decodedFields"`

	ListenAddress string `hcl:"listen_address"`

	MaxClients    int         `hcl:"-"`
	MaxClientsRaw interface{} `hcl:"maxclients"`

	// LogFormat specifies the log format. Valid values are "standard" and
	// "json". The values are case-insensitive. If no log format is
	// specified, then standard format will be used.
	LogFormat string `hcl:"log_format"`
	LogLevel  string `hcl:"log_level"`

	PidFile string `hcl:"pid_file"`

	// Masterhost is the replication master's hostname. The TLS layer uses
	// it as the SNI name when the replica renegotiates with its master;
	// the server does not open a connection to it on its own.
	Masterhost string `hcl:"masterhost"`

	TLS *TLS `hcl:"-"`

	Telemetry *Telemetry `hcl:"-"`
}

const (
	DefaultListenAddress = "0.0.0.0:7000"
	DefaultMaxClients    = 10000
)

// LoadConfigFile loads and parses the configuration at path.
func LoadConfigFile(path string) (*Config, error) {
	d, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(string(d))
}

// ParseConfig parses the HCL configuration source.
func ParseConfig(d string) (*Config, error) {
	obj, err := hcl.Parse(d)
	if err != nil {
		return nil, err
	}

	result := Config{
		ListenAddress: DefaultListenAddress,
		MaxClients:    DefaultMaxClients,
	}

	if err := hcl.DecodeObject(&result, obj); err != nil {
		return nil, err
	}

	if result.MaxClientsRaw != nil {
		if result.MaxClients, err = parsePositiveInt(result.MaxClientsRaw); err != nil {
			return nil, fmt.Errorf("error parsing 'maxclients': %w", err)
		}
		result.MaxClientsRaw = nil
	}

	list, ok := obj.Node.(*ast.ObjectList)
	if !ok {
		return nil, fmt.Errorf("error parsing: file doesn't contain a root object")
	}

	if o := list.Filter("tls"); len(o.Items) > 0 {
		if err := parseTLS(&result, o); err != nil {
			return nil, fmt.Errorf("error parsing 'tls': %w", err)
		}
	}

	if o := list.Filter("telemetry"); len(o.Items) > 0 {
		if err := parseTelemetry(&result, o); err != nil {
			return nil, fmt.Errorf("error parsing 'telemetry': %w", err)
		}
	}

	return &result, nil
}

func parsePositiveInt(raw interface{}) (int, error) {
	var n int
	switch v := raw.(type) {
	case int:
		n = v
	case float64:
		n = int(v)
	default:
		return 0, fmt.Errorf("unsupported value type %T", raw)
	}
	if n <= 0 {
		return 0, fmt.Errorf("value must be positive, got %d", n)
	}
	return n, nil
}
