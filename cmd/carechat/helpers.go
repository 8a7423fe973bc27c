package main

import (
	"fmt"
	"os"

	chatkit "github.com/carelink-health/chatkit-go"
)

// sessionToken resolves the auth token: environment first, then config.
func sessionToken(cfg *Config) string {
	if env := os.Getenv("CARECHAT_TOKEN"); env != "" {
		return env
	}
	return cfg.Default.Token
}

// sessionUserID resolves the current user's id: environment first, then config.
func sessionUserID(cfg *Config) string {
	if env := os.Getenv("CARECHAT_USER_ID"); env != "" {
		return env
	}
	return cfg.Default.UserID
}

// baseURL resolves the API base URL, empty meaning the default.
func baseURL(cfg *Config) string {
	if env := os.Getenv("CARECHAT_BASE_URL"); env != "" {
		return env
	}
	return cfg.Default.BaseURL
}

// getClient creates a chat client from the stored session, exiting with a
// hint when the CLI has not been initialized.
func getClient() (*chatkit.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	token := sessionToken(cfg)
	if token == "" {
		fmt.Fprintln(os.Stderr, "No session token. Run 'carechat init <token> --user <user-id>' first.")
		os.Exit(1)
	}

	var opts []chatkit.ClientOption
	if base := baseURL(cfg); base != "" {
		opts = append(opts, chatkit.WithBaseURL(base))
	}
	return chatkit.NewClient(token, opts...), cfg
}

// requireUserID returns the configured user id or exits.
func requireUserID(cfg *Config) string {
	id := sessionUserID(cfg)
	if id == "" {
		fmt.Fprintln(os.Stderr, "No user id configured. Run 'carechat config set default.user_id <id>'.")
		os.Exit(1)
	}
	return id
}
