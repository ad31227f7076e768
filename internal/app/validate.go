package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/rowjay/bchain/internal/apperr"
	"github.com/rowjay/bchain/internal/cryptoutil"
	"github.com/rowjay/bchain/internal/util"
)

// Check is one line of the preflight report.
type Check struct {
	Name   string
	OK     bool
	Warn   bool
	Detail string
}

type healthChecker interface {
	Health(ctx context.Context) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Validate runs the preflight checks without changing anything: config,
// tools per service, encryption prerequisites, the secret store and the
// repository.
func (a *App) Validate(ctx context.Context) ([]Check, error) {
	var checks []Check
	add := func(name string, err error) {
		c := Check{Name: name, OK: err == nil}
		if err != nil {
			c.Detail = err.Error()
		}
		checks = append(checks, c)
	}

	add("config", a.Cfg.Validate())

	for _, name := range a.Cfg.ServiceNames() {
		driver, err := a.Backups.Drivers(name, a.Cfg.Services[name])
		if err != nil {
			add("service "+name, err)
			continue
		}
		var missing []string
		for _, tool := range driver.Tools() {
			if err := util.RequireBinary(tool); err != nil {
				missing = append(missing, tool)
			}
		}
		c := Check{Name: fmt.Sprintf("service %s (%s)", name, driver.Kind()), OK: len(missing) == 0}
		if len(missing) > 0 {
			c.Detail = "missing tools: " + strings.Join(missing, ", ")
			if a.Cfg.Global.AllowMissingTools {
				c.OK, c.Warn = true, true
			}
		}
		checks = append(checks, c)
	}

	if a.Cfg.Backup.Encrypt {
		if a.Backups.Cipher != nil {
			add("cipher "+a.Backups.Cipher.Method(), a.Backups.Cipher.Available())
		}
		add("passphrase file", cryptoutil.CheckPassphraseFile(a.Cfg.Backup.PassphraseFile))
	}

	if h, ok := a.Secrets.(healthChecker); ok {
		add("vault "+a.Cfg.Vault.Address, h.Health(ctx))
	}

	st := a.Store.Storage()
	if p, ok := st.(pinger); ok {
		add("repository "+a.Cfg.Repository.Backend, p.Ping(ctx))
	} else {
		_, err := st.List(ctx, a.Cfg.Repository.Prefix)
		add("repository "+a.Cfg.Repository.Backend, err)
	}
	if dirs, err := a.Store.Directories(ctx); err == nil {
		for _, d := range dirs {
			if !d.HasManifest {
				checks = append(checks, Check{Name: "backup " + d.ID, OK: true, Warn: true, Detail: "directory without manifest; run prune"})
			}
		}
	}

	var failed []string
	for _, c := range checks {
		if !c.OK {
			failed = append(failed, c.Name)
		}
	}
	if len(failed) > 0 {
		return checks, apperr.New(apperr.KindValidation, "preflight failed: %s", strings.Join(failed, ", "))
	}
	return checks, nil
}
