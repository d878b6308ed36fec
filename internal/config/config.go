// Package config defines the plain configuration struct and flag wiring
// shared by the reactorproxy command-line tools. There is no viper/cobra
// here — the teacher's CLI tools are flag-only, and this module follows
// suit.
package config

import (
	"flag"
	"strings"
)

// Config holds every setting the -p/-m/--cert-dir/--ignore-hosts/
// --allow-hosts/--log-file flags can set, plus the defaults spec.md §6
// names.
type Config struct {
	// Port is the listen port; spec.md §6 defaults it to 8899, bound to
	// 127.0.0.1 only.
	Port int
	// MITM enables man-in-the-middle mode for CONNECT host:443 tunnels.
	MITM bool
	// CertDir is the filesystem directory holding root.ca.key,
	// root.ca.pem, private.key and the runtime leaf-cert cache.
	CertDir string
	// IgnoreHosts, if non-empty, excludes matching CONNECT targets from
	// MITM interception even when MITM is enabled.
	IgnoreHosts []string
	// AllowHosts, if non-empty, restricts MITM interception to matching
	// CONNECT targets only; IgnoreHosts takes precedence when both are set.
	AllowHosts []string
	// LogFile is the path proxy.log-style output is appended to,
	// alongside stderr, per spec.md §6.
	LogFile string
}

// Load declares the command's flags against a fresh FlagSet, parses args,
// and returns the resulting Config. Both the long and short spelling of
// -p/--port and -m/--man-in-the-middle alias the same variable, matching
// the teacher's flag.IntVar/flag.BoolVar-twice idiom.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{}
	var ignoreHosts, allowHosts string

	fs.IntVar(&cfg.Port, "port", 8899, "listen port")
	fs.IntVar(&cfg.Port, "p", 8899, "listen port (shorthand)")
	fs.BoolVar(&cfg.MITM, "man-in-the-middle", false, "enable MITM for CONNECT host:443 tunnels")
	fs.BoolVar(&cfg.MITM, "m", false, "enable MITM for CONNECT host:443 tunnels (shorthand)")
	fs.StringVar(&cfg.CertDir, "cert-dir", "", "directory holding root CA and leaf cert material")
	fs.StringVar(&ignoreHosts, "ignore-hosts", "", "comma-separated glob patterns excluded from MITM")
	fs.StringVar(&allowHosts, "allow-hosts", "", "comma-separated glob patterns allowed for MITM")
	fs.StringVar(&cfg.LogFile, "log-file", "proxy.log", "log file path, in addition to stderr")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.IgnoreHosts = splitCSV(ignoreHosts)
	cfg.AllowHosts = splitCSV(allowHosts)
	return cfg, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
