package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	vault "github.com/hashicorp/vault/api"

	"github.com/rowjay/bchain/internal/apperr"
	"github.com/rowjay/bchain/internal/config"
	"github.com/rowjay/bchain/internal/util"
)

// Vault reads service credentials from a KV v2 mount. It logs in with
// AppRole when role-id and secret-id files are configured and falls back to
// a token otherwise.
type Vault struct {
	client   *vault.Client
	cfg      config.VaultConfig
	services map[string]config.ServiceConfig
	attempts int
	backoff  time.Duration

	mu       sync.Mutex
	loggedIn bool
}

func NewVault(cfg config.VaultConfig, services map[string]config.ServiceConfig, attempts int, backoff time.Duration) (*Vault, error) {
	vc := vault.DefaultConfig()
	if cfg.Address != "" {
		vc.Address = cfg.Address
	}
	if cfg.Timeout > 0 {
		vc.Timeout = cfg.Timeout
	}
	// Retries are driven by Resolve so permanent errors fail fast.
	vc.MaxRetries = 0
	if cfg.CACert != "" || cfg.TLSSkipVerify {
		if err := vc.ConfigureTLS(&vault.TLSConfig{CACert: cfg.CACert, Insecure: cfg.TLSSkipVerify}); err != nil {
			return nil, fmt.Errorf("configure vault tls: %w", err)
		}
	}
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if cfg.Mount == "" {
		cfg.Mount = "secret"
	}
	if cfg.AuthMount == "" {
		cfg.AuthMount = "approle"
	}
	return &Vault{client: client, cfg: cfg, services: services, attempts: attempts, backoff: backoff}, nil
}

func (v *Vault) login(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.loggedIn {
		return nil
	}
	switch {
	case v.cfg.RoleIDFile != "" && v.cfg.SecretIDFile != "":
		roleID, err := readTrimmed(v.cfg.RoleIDFile)
		if err != nil {
			return apperr.Wrap(apperr.KindCredentialUnavailable, err, "read approle role-id").WithPath(v.cfg.RoleIDFile)
		}
		secretID, err := readTrimmed(v.cfg.SecretIDFile)
		if err != nil {
			return apperr.Wrap(apperr.KindCredentialUnavailable, err, "read approle secret-id").WithPath(v.cfg.SecretIDFile)
		}
		secret, err := v.client.Logical().WriteWithContext(ctx, "auth/"+v.cfg.AuthMount+"/login", map[string]any{
			"role_id":   roleID,
			"secret_id": secretID,
		})
		if err != nil {
			return classify(err, "approle login")
		}
		if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
			return apperr.New(apperr.KindCredentialUnavailable, "approle login returned no token")
		}
		v.client.SetToken(secret.Auth.ClientToken)
	case v.cfg.TokenFile != "":
		token, err := readTrimmed(v.cfg.TokenFile)
		if err != nil {
			return apperr.Wrap(apperr.KindCredentialUnavailable, err, "read vault token").WithPath(v.cfg.TokenFile)
		}
		v.client.SetToken(token)
	case v.cfg.Token != "":
		v.client.SetToken(v.cfg.Token)
	case v.client.Token() == "":
		return apperr.New(apperr.KindCredentialUnavailable, "no vault credentials configured").
			WithHint("set vault.approle_dir, vault.token_file or VAULT_TOKEN")
	}
	v.loggedIn = true
	return nil
}

// Resolve reads the secret of service, retrying transient failures. Config
// values fill fields the secret does not carry.
func (v *Vault) Resolve(ctx context.Context, service string) (Credentials, error) {
	svc, ok := v.services[service]
	if !ok {
		return Credentials{}, apperr.New(apperr.KindCredentialUnavailable, "no configuration for service").WithService(service)
	}
	secretPath := svc.SecretPath
	if secretPath == "" {
		secretPath = path.Join(v.cfg.PathPrefix, service)
	}

	var creds Credentials
	err := util.Retry(ctx, v.attempts, v.backoff, transient, func() error {
		if err := v.login(ctx); err != nil {
			return err
		}
		secret, err := v.client.KVv2(v.cfg.Mount).Get(ctx, secretPath)
		if err != nil {
			return classify(err, "read "+secretPath)
		}
		creds = fromSecretData(secret.Data)
		return nil
	})
	if err != nil {
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return Credentials{}, appErr.WithService(service)
		}
		return Credentials{}, apperr.Wrap(apperr.KindCredentialUnavailable, err, "secret store unreachable").WithService(service)
	}
	return merge(creds, fromConfig(svc)), nil
}

// Health reports whether Vault is initialized and unsealed.
func (v *Vault) Health(ctx context.Context) error {
	health, err := v.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health: %w", err)
	}
	if !health.Initialized {
		return errors.New("vault is not initialized")
	}
	if health.Sealed {
		return errors.New("vault is sealed")
	}
	return nil
}

// classify maps vault client errors onto credential errors. Not found and
// permission denied are permanent; everything else is left transient.
func classify(err error, op string) error {
	if errors.Is(err, vault.ErrSecretNotFound) {
		return apperr.Wrap(apperr.KindCredentialUnavailable, err, "%s: secret not found", op).
			WithHint("write the secret or set services.<name>.secret_path")
	}
	var respErr *vault.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusNotFound:
			return apperr.Wrap(apperr.KindCredentialUnavailable, err, "%s: not found", op)
		case http.StatusForbidden, http.StatusUnauthorized:
			return apperr.Wrap(apperr.KindCredentialUnavailable, err, "%s: permission denied", op).
				WithHint("check the AppRole policy grants read on this path")
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return apperr.KindOf(err) != apperr.KindCredentialUnavailable
}

func readTrimmed(p string) (string, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
