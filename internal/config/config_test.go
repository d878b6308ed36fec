package config_test

import (
	"flag"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/denisvmedia/reactorproxy/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	c := qt.New(t)

	cfg, err := config.Load(flag.NewFlagSet("test", flag.ContinueOnError), nil)
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Port, qt.Equals, 8899)
	c.Assert(cfg.MITM, qt.IsFalse)
	c.Assert(cfg.LogFile, qt.Equals, "proxy.log")
	c.Assert(cfg.IgnoreHosts, qt.HasLen, 0)
}

func TestLoadFlagsAndHostLists(t *testing.T) {
	c := qt.New(t)

	cfg, err := config.Load(flag.NewFlagSet("test", flag.ContinueOnError), []string{
		"-p", "9999",
		"-m",
		"--cert-dir", "/tmp/certs",
		"--ignore-hosts", "a.test, b.test",
		"--allow-hosts", "*.example.test",
	})
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Port, qt.Equals, 9999)
	c.Assert(cfg.MITM, qt.IsTrue)
	c.Assert(cfg.CertDir, qt.Equals, "/tmp/certs")
	c.Assert(cfg.IgnoreHosts, qt.DeepEquals, []string{"a.test", "b.test"})
	c.Assert(cfg.AllowHosts, qt.DeepEquals, []string{"*.example.test"})
}
