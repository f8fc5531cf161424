package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/99designs/keyring"
	"github.com/google/uuid"
	"github.com/pkg/browser"

	"doodook.app/openbanking/internal/cache"
	"doodook.app/openbanking/internal/observability"
	"doodook.app/openbanking/internal/openbanking"
)

const (
	credentialsKey = "openbanking:credentials"
	authorizePath  = "/oauth/2.0/authorize"
	authorizeScope = "login inquiry"
)

// App wraps the CLI runtime state.
type App struct {
	Keyring   keyring.Keyring
	Stdout    io.Writer
	Stderr    io.Writer
	Stdin     io.Reader
	LookupEnv func(string) (string, bool)

	openBrowser func(string) error
}

// NewApp creates a new CLI app with default configuration.
func NewApp() (*App, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		cfgDir = filepath.Join(os.TempDir(), "obctl")
	}
	kr, err := keyring.Open(keyring.Config{
		ServiceName:             "obctl",
		FileDir:                 filepath.Join(cfgDir, "obctl"),
		KeychainName:            "obctl",
		WinCredPrefix:           "obctl",
		LibSecretCollectionName: "obctl",
		KWalletAppID:            "obctl",
		KWalletFolder:           "obctl",
	})
	if err != nil {
		return nil, err
	}
	return &App{
		Keyring:     kr,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		Stdin:       os.Stdin,
		LookupEnv:   os.LookupEnv,
		openBrowser: browser.OpenURL,
	}, nil
}

// Run executes the CLI with the provided arguments.
func (a *App) Run(args []string) int {
	if len(args) == 0 {
		a.printUsage()
		return 1
	}
	switch args[0] {
	case "login":
		return a.runLogin(args[1:])
	case "logout":
		return a.runLogout(args[1:])
	case "token":
		return a.runToken(args[1:])
	case "balance":
		return a.runBalance(args[1:])
	case "transactions":
		return a.runTransactions(args[1:])
	case "authorize":
		return a.runAuthorize(args[1:])
	case "help", "-h", "--help":
		a.printUsage()
		return 0
	default:
		fmt.Fprintf(a.Stderr, "unknown command %q\n", args[0])
		a.printUsage()
		return 1
	}
}

func (a *App) printUsage() {
	fmt.Fprintf(a.Stdout, `OpenBanking CLI

Commands:
  login --client-id ID          (client secret is read from stdin)
  logout
  token [--force]
  balance FINTECH_USE_NUM
  transactions FINTECH_USE_NUM --from YYYY-MM-DD --to YYYY-MM-DD [--sort time|amount] [--page N] [--size N]
  authorize [--state STATE]

Common flags:
  --env PATH    read configuration from a key=value file instead of the environment
  --cache PATH  keep tokens and rate-limit counters in a SQLite file between runs

Environment Variables:
  OPENBANKING_SANDBOX     serve fixtures instead of calling the API (default true)
  OPENBANKING_BASE_URL    API base URL
  OPENBANKING_CLIENT_ID   overrides the stored client id
`)
}

// Credentials are the client keys stored by login.
type Credentials struct {
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret"`
	SavedAt      time.Time `json:"saved_at"`
}

type commonFlags struct {
	env   *string
	cache *string
}

func (a *App) newFlagSet(name string) (*flag.FlagSet, commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.Stderr)
	return fs, commonFlags{
		env:   fs.String("env", "", "path to an openbanking.env file"),
		cache: fs.String("cache", "", "path to a SQLite token cache"),
	}
}

func (a *App) runLogin(args []string) int {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(a.Stderr)
	clientID := fs.String("client-id", "", "OpenBanking client id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id := strings.TrimSpace(*clientID)
	if id == "" {
		fmt.Fprintln(a.Stderr, "--client-id is required")
		return 1
	}

	fmt.Fprint(a.Stderr, "Client secret: ")
	secret, err := bufio.NewReader(a.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		fmt.Fprintf(a.Stderr, "read secret: %v\n", err)
		return 1
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		fmt.Fprintln(a.Stderr, "client secret is required")
		return 1
	}

	if err := a.saveCredentials(Credentials{ClientID: id, ClientSecret: secret}); err != nil {
		fmt.Fprintf(a.Stderr, "unable to save credentials: %v\n", err)
		return 1
	}
	fmt.Fprintf(a.Stdout, "Stored credentials for client %s.\n", id)
	return 0
}

func (a *App) runLogout(args []string) int {
	fs := flag.NewFlagSet("logout", flag.ContinueOnError)
	fs.SetOutput(a.Stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := a.Keyring.Remove(credentialsKey); err != nil {
		if !errors.Is(err, keyring.ErrKeyNotFound) {
			fmt.Fprintf(a.Stderr, "unable to remove credentials: %v\n", err)
			return 1
		}
	}
	fmt.Fprintln(a.Stdout, "Removed stored credentials.")
	return 0
}

func (a *App) runToken(args []string) int {
	fs, common := a.newFlagSet("token")
	force := fs.Bool("force", false, "ignore the cached token")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	client, closeFn, err := a.openClient(common)
	if err != nil {
		fmt.Fprintf(a.Stderr, "%v\n", err)
		return 1
	}
	defer closeFn()

	token, err := client.AccessToken(context.Background(), *force)
	if err != nil {
		fmt.Fprintf(a.Stderr, "token request failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(a.Stdout, token)
	return 0
}

func (a *App) runBalance(args []string) int {
	fs, common := a.newFlagSet("balance")
	if err := fs.Parse(reorderArgs(args)); err != nil {
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(a.Stderr, "fintech_use_num argument required")
		return 1
	}
	client, closeFn, err := a.openClient(common)
	if err != nil {
		fmt.Fprintf(a.Stderr, "%v\n", err)
		return 1
	}
	defer closeFn()

	bal, err := client.FetchBalance(context.Background(), fs.Arg(0))
	if err != nil {
		fmt.Fprintf(a.Stderr, "balance lookup failed: %v\n", err)
		return 1
	}
	bal.Raw = nil
	return a.printJSON(bal)
}

func (a *App) runTransactions(args []string) int {
	fs, common := a.newFlagSet("transactions")
	from := fs.String("from", "", "first day, YYYY-MM-DD")
	to := fs.String("to", "", "last day, YYYY-MM-DD")
	sort := fs.String("sort", openbanking.SortTime, "time or amount")
	page := fs.Int("page", openbanking.DefaultPage, "page number")
	size := fs.Int("size", openbanking.DefaultSize, "page size")
	if err := fs.Parse(reorderArgs(args)); err != nil {
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(a.Stderr, "fintech_use_num argument required")
		return 1
	}
	for name, v := range map[string]string{"--from": *from, "--to": *to} {
		if _, err := time.Parse("2006-01-02", v); err != nil {
			fmt.Fprintf(a.Stderr, "%s must be a YYYY-MM-DD date\n", name)
			return 1
		}
	}
	if *from > *to {
		fmt.Fprintln(a.Stderr, "--from cannot be after --to")
		return 1
	}
	client, closeFn, err := a.openClient(common)
	if err != nil {
		fmt.Fprintf(a.Stderr, "%v\n", err)
		return 1
	}
	defer closeFn()

	result, err := client.FetchTransactions(context.Background(), openbanking.TransactionQuery{
		FintechUseNum: fs.Arg(0),
		From:          *from,
		To:            *to,
		Sort:          *sort,
		Page:          *page,
		Size:          *size,
	})
	if err != nil {
		fmt.Fprintf(a.Stderr, "transaction lookup failed: %v\n", err)
		return 1
	}
	result.Raw = nil
	return a.printJSON(result)
}

func (a *App) runAuthorize(args []string) int {
	fs, common := a.newFlagSet("authorize")
	state := fs.String("state", "", "opaque state echoed to the redirect URI")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := a.loadConfig(*common.env)
	if err != nil {
		fmt.Fprintf(a.Stderr, "%v\n", err)
		return 1
	}
	if cfg.ClientID == "" || cfg.RedirectURI == "" {
		fmt.Fprintln(a.Stderr, "client id and OPENBANKING_REDIRECT_URI are required; run obctl login first")
		return 1
	}
	if *state == "" {
		*state = strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	authURL := AuthorizeURL(cfg, *state)
	fmt.Fprintln(a.Stdout, "Opening browser for OpenBanking authorisation...")
	if err := a.openBrowser(authURL); err != nil {
		fmt.Fprintf(a.Stderr, "unable to open browser automatically: %v\n", err)
		fmt.Fprintf(a.Stdout, "Please open this URL manually:\n%s\n", authURL)
	}
	fmt.Fprintf(a.Stdout, "State: %s\n", *state)
	return 0
}

// AuthorizeURL is the user-consent URL for the three-legged flow.
func AuthorizeURL(cfg openbanking.Config, state string) string {
	v := url.Values{}
	v.Set("response_type", "code")
	v.Set("client_id", cfg.ClientID)
	v.Set("redirect_uri", cfg.RedirectURI)
	v.Set("scope", authorizeScope)
	v.Set("state", state)
	v.Set("auth_type", "0")
	return cfg.BaseURL + authorizePath + "?" + v.Encode()
}

// loadConfig reads path, or the environment when path is empty, and fills
// missing client keys from the keyring.
func (a *App) loadConfig(path string) (openbanking.Config, error) {
	var (
		cfg openbanking.Config
		err error
	)
	if path != "" {
		cfg, err = openbanking.LoadConfigFromEnvFile(path)
	} else {
		cfg, err = openbanking.LoadConfig(a.LookupEnv)
	}
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}

	creds, err := a.loadCredentials()
	switch {
	case errors.Is(err, keyring.ErrKeyNotFound):
	case err != nil:
		return cfg, fmt.Errorf("read stored credentials: %w", err)
	default:
		if cfg.ClientID == "" {
			cfg.ClientID = creds.ClientID
		}
		if cfg.ClientSecret == "" {
			cfg.ClientSecret = creds.ClientSecret
		}
	}
	return cfg, nil
}

func (a *App) openClient(common commonFlags) (*openbanking.Client, func(), error) {
	cfg, err := a.loadConfig(*common.env)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	var (
		store   cache.Store
		closeFn = func() {}
	)
	if *common.cache != "" {
		s, err := cache.OpenSQLite(*common.cache)
		if err != nil {
			return nil, nil, fmt.Errorf("open cache: %w", err)
		}
		store, closeFn = s, func() { _ = s.Close() }
	} else {
		store = cache.NewMemoryStore(nil)
	}

	logger := observability.InitLogger(observability.LogConfig{Level: "warn", Format: "text"}, a.Stderr)
	return openbanking.NewClient(cfg, store, nil, logger), closeFn, nil
}

func (a *App) saveCredentials(creds Credentials) error {
	creds.SavedAt = time.Now().UTC()
	data, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	return a.Keyring.Set(keyring.Item{Key: credentialsKey, Data: data, Label: "OpenBanking client credentials"})
}

func (a *App) loadCredentials() (*Credentials, error) {
	item, err := a.Keyring.Get(credentialsKey)
	if err != nil {
		return nil, err
	}
	var creds Credentials
	if err := json.Unmarshal(item.Data, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

func (a *App) printJSON(v any) int {
	enc := json.NewEncoder(a.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Error("encode output", slog.Any("error", err))
		return 1
	}
	return 0
}

// reorderArgs moves the positional argument behind the flags so both
// "transactions ID --from ..." and "transactions --from ... ID" parse.
func reorderArgs(args []string) []string {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return args
	}
	return append(append([]string(nil), args[1:]...), args[0])
}
