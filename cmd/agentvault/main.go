// Command agentvault is the thin wiring binary over the broker: it loads
// configuration, assembles the services, and maps subcommands onto the
// command catalog. All interesting behavior lives in the packages.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/crawfishlabs/agentvault/pkg/audit"
	"github.com/crawfishlabs/agentvault/pkg/broker"
	"github.com/crawfishlabs/agentvault/pkg/commands"
	"github.com/crawfishlabs/agentvault/pkg/config"
	"github.com/crawfishlabs/agentvault/pkg/domain"
	"github.com/crawfishlabs/agentvault/pkg/grants"
	"github.com/crawfishlabs/agentvault/pkg/interfaces/logger"
	"github.com/crawfishlabs/agentvault/pkg/providers"
	"github.com/crawfishlabs/agentvault/pkg/providers/apikey"
	"github.com/crawfishlabs/agentvault/pkg/providers/device"
	"github.com/crawfishlabs/agentvault/pkg/providers/oauth"
	"github.com/crawfishlabs/agentvault/pkg/storage"
	"github.com/crawfishlabs/agentvault/pkg/totp"
	"github.com/crawfishlabs/agentvault/pkg/vault"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "agentvault:", err)
		os.Exit(1)
	}
}

func usage() error {
	fmt.Fprintln(os.Stderr, `usage: agentvault [-config path] <command> [args]

commands:
  init                                  create storage and verify the master key
  grant -service name [-scopes a,b]     request access to a service
  callback -service name -code c -state s   complete an oauth redirect
  revoke -service name [-reason r]      revoke one credential
  revoke-all [-reason r]                revoke every credential
  list                                  list stored credentials
  status                                test every stored credential
  audit [-service s] [-action a] [-days n] [-limit n]   query the audit log
  register-device -service name -device d   record a device-side approval
  totp -service name [-generate]        print the current one-time code, or
                                        create a seed with -generate`)
	return fmt.Errorf("missing or unknown command")
}

func run(args []string) error {
	global := flag.NewFlagSet("agentvault", flag.ContinueOnError)
	configPath := global.String("config", "agentvault.config.json", "configuration file")
	if err := global.Parse(args); err != nil {
		return err
	}
	rest := global.Args()
	if len(rest) == 0 {
		return usage()
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	app, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := context.Background()
	switch rest[0] {
	case "init":
		fmt.Println("vault initialized")
		return nil
	case "grant":
		return app.cmdGrant(ctx, rest[1:])
	case "callback":
		return app.cmdCallback(ctx, rest[1:])
	case "revoke":
		return app.cmdRevoke(ctx, rest[1:])
	case "revoke-all":
		return app.cmdRevokeAll(ctx, rest[1:])
	case "list":
		return app.cmdList(ctx)
	case "status":
		return app.cmdStatus(ctx)
	case "audit":
		return app.cmdAudit(ctx, rest[1:])
	case "register-device":
		return app.cmdRegisterDevice(ctx, rest[1:])
	case "totp":
		return app.cmdTOTP(ctx, rest[1:])
	default:
		return usage()
	}
}

func loadConfig(path string) (config.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config.Load(config.Config{})
		}
		return config.Config{}, err
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return config.Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return config.Load(input)
}

type app struct {
	cfg     config.Config
	catalog *commands.Catalog
	broker  *broker.Service
	vault   *vault.Service
	totp    *totp.Manager
	db      *bun.DB
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
}

func buildApp(cfg config.Config) (*app, error) {
	log := logger.NewBasic()

	material := os.Getenv(cfg.Vault.KeyEnv)
	key, err := vault.DeriveKey(material)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.Vault.KeyEnv, err)
	}

	var providersBundle storage.Providers
	var db *bun.DB
	switch cfg.Vault.Driver {
	case "memory":
		providersBundle = storage.NewMemoryProviders()
	case "sqlite":
		db, err = openSQLite(cfg.Vault.Path)
		if err != nil {
			return nil, err
		}
		providersBundle = storage.NewBunProviders(db)
	case "file":
		// Grants need durability across the OAuth redirect even with a
		// file-backed vault, so they ride in a SQLite sidecar.
		db, err = openSQLite(cfg.Vault.Path + ".db")
		if err != nil {
			return nil, err
		}
		providersBundle = storage.NewBunProviders(db,
			storage.WithVaultRecordStore(vault.NewFileStore(cfg.Vault.Path)))
	}
	if db != nil {
		if err := storage.CreateTables(context.Background(), db); err != nil {
			return nil, fmt.Errorf("create tables: %w", err)
		}
	}

	auditRepo := providersBundle.AuditEntries
	if cfg.Audit.Path != "" {
		fileSink, err := audit.NewFileStore(cfg.Audit.Path)
		if err != nil {
			return nil, err
		}
		auditRepo = fileSink
	}
	auditSvc, err := audit.New(audit.Dependencies{Repository: auditRepo, Logger: log})
	if err != nil {
		return nil, err
	}

	vaultSvc, err := vault.New(vault.Dependencies{
		Key:       key,
		Store:     providersBundle.VaultRecords,
		Audit:     auditSvc,
		Logger:    log,
		Principal: cfg.Broker.Principal,
		Agent:     cfg.Broker.Agent,
	})
	if err != nil {
		return nil, err
	}

	queue, err := grants.New(grants.Dependencies{Repository: providersBundle.Grants, Logger: log})
	if err != nil {
		return nil, err
	}

	registry, err := buildRegistry(cfg, log)
	if err != nil {
		return nil, err
	}

	brokerSvc, err := broker.New(broker.Dependencies{
		Vault:     vaultSvc,
		Grants:    queue,
		Audit:     auditSvc,
		Registry:  registry,
		Logger:    log,
		Principal: cfg.Broker.Principal,
		Agent:     cfg.Broker.Agent,
	})
	if err != nil {
		return nil, err
	}

	catalog, err := commands.NewCatalog(commands.Dependencies{
		Broker: brokerSvc,
		Audit:  auditSvc,
		Logger: log,
	})
	if err != nil {
		return nil, err
	}

	totpMgr, err := totp.NewManager(totp.Dependencies{Vault: vaultSvc, Logger: log})
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:     cfg,
		catalog: catalog,
		broker:  brokerSvc,
		vault:   vaultSvc,
		totp:    totpMgr,
		db:      db,
	}, nil
}

func openSQLite(path string) (*bun.DB, error) {
	sqldb, err := sql.Open(sqliteshim.DriverName(), path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return bun.NewDB(sqldb, sqlitedialect.New()), nil
}

func buildRegistry(cfg config.Config, log logger.Logger) (*providers.Registry, error) {
	registry := providers.NewRegistry()
	for name, svc := range cfg.Services {
		var p providers.Provider
		var err error
		switch svc.Method {
		case "oauth":
			p, err = buildOAuthProvider(cfg, name, svc, log)
		case "device":
			p = device.NewHealthKit(log, device.WithStaleness(cfg.Broker.DeviceStaleness))
		default:
			p = apikey.New(name, svc.Label, log)
		}
		if err != nil {
			return nil, err
		}
		if err := registry.Register(name, p); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func buildOAuthProvider(cfg config.Config, name string, svc config.ServiceConfig, log logger.Logger) (providers.Provider, error) {
	creds := func(string) (string, string, error) {
		id := os.Getenv(svc.ClientIDEnv)
		secret := os.Getenv(svc.ClientSecretEnv)
		if id == "" || secret == "" {
			return "", "", fmt.Errorf("oauth client credentials missing: set %s and %s", svc.ClientIDEnv, svc.ClientSecretEnv)
		}
		return id, secret, nil
	}
	redirect := ""
	if cfg.Broker.CallbackBaseURL != "" {
		redirect = strings.TrimRight(cfg.Broker.CallbackBaseURL, "/") + "/callback/" + name
	}
	if svc.AuthURL != "" || svc.TokenURL != "" {
		return oauth.New(oauth.Config{
			Name:        name,
			Endpoints:   oauth.Endpoints{AuthURL: svc.AuthURL, TokenURL: svc.TokenURL},
			RedirectURL: redirect,
			Credentials: creds,
			Logger:      log,
		})
	}
	switch name {
	case "github":
		return oauth.NewGitHub(creds, redirect, log)
	case "strava":
		return oauth.NewStrava(creds, redirect, log)
	default:
		return nil, fmt.Errorf("services.%s: no oauth endpoints configured", name)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) cmdGrant(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("grant", flag.ContinueOnError)
	service := fs.String("service", "", "service name")
	scopes := fs.String("scopes", "", "comma separated scopes")
	org := fs.String("org", "", "organization qualifier")
	team := fs.String("team", "", "team qualifier")
	expiry := fs.Int("expiry-days", 0, "credential expiry in days")
	secret := fs.String("secret", "", "api key material for static services")
	if err := fs.Parse(args); err != nil {
		return err
	}

	svcCfg := a.cfg.Services[*service]
	requested := splitScopes(*scopes)
	if len(requested) == 0 {
		requested = svcCfg.Scopes
	}
	expiryDays := *expiry
	if expiryDays == 0 {
		expiryDays = svcCfg.ExpiryDays
	}

	return a.catalog.RequestGrant.Execute(ctx, commands.RequestGrant{
		Service:    *service,
		Scopes:     requested,
		Org:        firstNonEmpty(*org, svcCfg.Org),
		Team:       firstNonEmpty(*team, svcCfg.Team),
		ExpiryDays: expiryDays,
		Secret:     *secret,
		OnResult: func(res *broker.GrantResult) {
			out := map[string]any{"state": res.Grant.State, "grant_id": res.Grant.ID}
			if res.AuthorizationURL != "" {
				out["authorization_url"] = res.AuthorizationURL
			}
			printJSON(out)
		},
	})
}

func (a *app) cmdCallback(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("callback", flag.ContinueOnError)
	service := fs.String("service", "", "service name")
	code := fs.String("code", "", "authorization code")
	state := fs.String("state", "", "redirect state")
	if err := fs.Parse(args); err != nil {
		return err
	}
	res, err := a.broker.HandleCallback(ctx, *service, *code, *state)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"state": res.Grant.State, "service": res.Credential.Service})
}

func (a *app) cmdRevoke(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("revoke", flag.ContinueOnError)
	service := fs.String("service", "", "service name")
	reason := fs.String("reason", "", "revocation reason")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return a.catalog.RevokeCredential.Execute(ctx, commands.RevokeCredential{
		Service: *service,
		Reason:  *reason,
		OnResult: func(res *broker.RevokeResult) {
			printJSON(res)
		},
	})
}

func (a *app) cmdRevokeAll(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("revoke-all", flag.ContinueOnError)
	reason := fs.String("reason", "", "revocation reason")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return a.catalog.RevokeAll.Execute(ctx, commands.RevokeAll{
		Reason: *reason,
		OnResult: func(revoked []string) {
			printJSON(map[string]any{"revoked": revoked})
		},
	})
}

func (a *app) cmdList(ctx context.Context) error {
	summaries, err := a.vault.List(ctx)
	if err != nil {
		return err
	}
	return printJSON(summaries)
}

func (a *app) cmdStatus(ctx context.Context) error {
	return a.catalog.CheckStatus.Execute(ctx, commands.CheckStatus{
		OnResult: func(statuses []broker.ServiceStatus) {
			printJSON(statuses)
		},
	})
}

func (a *app) cmdAudit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	service := fs.String("service", "", "filter by service")
	action := fs.String("action", "", "filter by action")
	days := fs.Int("days", 0, "relative window in days")
	limit := fs.Int("limit", 50, "most recent N entries")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return a.catalog.QueryAudit.Execute(ctx, commands.QueryAudit{
		Service: *service,
		Action:  *action,
		Within:  time.Duration(*days) * 24 * time.Hour,
		Limit:   *limit,
		OnResult: func(entries []domain.AuditEntry) {
			printJSON(entries)
		},
	})
}

func (a *app) cmdRegisterDevice(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("register-device", flag.ContinueOnError)
	service := fs.String("service", "", "service name")
	deviceName := fs.String("device", "", "device description")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return a.catalog.RegisterDevice.Execute(ctx, commands.RegisterDevice{
		Service: *service,
		Device:  *deviceName,
		OnResult: func(summary *domain.CredentialSummary) {
			printJSON(summary)
		},
	})
}

func (a *app) cmdTOTP(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("totp", flag.ContinueOnError)
	service := fs.String("service", "", "service name")
	generate := fs.Bool("generate", false, "generate and store a fresh seed")
	issuer := fs.String("issuer", "", "issuer for the provisioning uri")
	account := fs.String("account", "", "account label for the provisioning uri")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *generate {
		seed, err := a.totp.GenerateSeed(ctx, *service, *issuer, *account)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{
			"secret":           seed.Secret,
			"provisioning_uri": seed.ProvisioningURI,
		})
	}
	code, err := a.totp.Code(ctx, *service)
	if err != nil {
		return err
	}
	fmt.Println(code)
	return nil
}

func splitScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
