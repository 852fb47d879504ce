package main

import (
	"fmt"
	"os"

	comms "github.com/alexxcrz/ixora-comms"
)

// getClient creates an API client from the stored configuration.
func getClient() (*comms.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'ixora init <token> <handle>' first.")
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No base URL. Run 'ixora config set default.base_url <url>' first.")
		os.Exit(1)
	}

	return comms.NewClient(cfg.Default.BaseURL, cfg.Auth.Token), cfg
}

// getSession assembles a full session, including the persistent event
// connection. Callers own Close.
func getSession() (*comms.Session, *Config) {
	client, cfg := getClient()
	relay := comms.NewRelay(&comms.RelayConfig{
		BaseURL:       cfg.Default.BaseURL,
		Token:         cfg.Auth.Token,
		AutoReconnect: true,
	})
	session := comms.NewSession(client, relay, comms.WithNotifier(terminalNotifier{}))
	return session, cfg
}

// channelRef resolves the --direct/--group flags to a channel reference.
// With neither set, the company-wide channel is used.
func channelRef(direct, group string) (comms.ChannelRef, error) {
	if direct != "" && group != "" {
		return comms.ChannelRef{}, fmt.Errorf("--direct and --group are mutually exclusive")
	}
	switch {
	case direct != "":
		return comms.Direct(direct), nil
	case group != "":
		return comms.Group(group), nil
	default:
		return comms.General(), nil
	}
}

// terminalNotifier prints notifications to stderr.
type terminalNotifier struct{}

func (terminalNotifier) Notify(title, body, tag string) {
	fmt.Fprintf(os.Stderr, "\a[%s] %s\n", title, body)
}
