// brokerctl is the operator CLI: it turns an issuer's discovery
// document into a configuration snippet and inspects provider key sets
// without going through the running service.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/LoganSeven/publik-famille-demo-sub018/internal/config"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/federation/provider"
)

func main() {
	root := &cobra.Command{
		Use:           "brokerctl",
		Short:         "Operator tooling for the federated login service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(registerIssuerCmd())
	root.AddCommand(refreshJWKSCmd())
	root.AddCommand(checkConfigCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func registerIssuerCmd() *cobra.Command {
	var id, name, clientID, clientSecret string
	cmd := &cobra.Command{
		Use:   "register-issuer <issuer-url>",
		Short: "Build a provider config entry from an issuer's discovery document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			cfg, err := provider.RegisterIssuer(ctx, nil, id, name, clientID, clientSecret, args[0])
			if err != nil {
				return err
			}

			entry := config.Provider{
				ID:                    cfg.ID,
				Name:                  cfg.Name,
				Issuer:                cfg.Issuer,
				AuthorizationEndpoint: cfg.AuthorizationEndpoint,
				TokenEndpoint:         cfg.TokenEndpoint,
				UserInfoEndpoint:      cfg.UserInfoEndpoint,
				EndSessionEndpoint:    cfg.EndSessionEndpoint,
				ClientID:              cfg.ClientID,
				ClientSecret:          cfg.ClientSecret,
				JWKSURI:               cfg.JWKSetURL,
				Algo:                  cfg.IDTokenAlgo.String(),
				Strategy:              string(cfg.Strategy),
				ClaimsParameter:       cfg.ClaimsParameterSupported,
			}
			out, err := yaml.Marshal([]config.Provider{entry})
			if err != nil {
				return err
			}
			fmt.Println("# add under providers: in config.yaml")
			fmt.Print(string(out))
			if len(cfg.JWKSet.KeyIDs()) > 0 {
				fmt.Printf("# current key ids: %s\n", strings.Join(cfg.JWKSet.KeyIDs(), ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "provider id (required)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&clientID, "client-id", "", "client_id registered at the provider (required)")
	cmd.Flags().StringVar(&clientSecret, "client-secret", "", "client_secret registered at the provider")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("client-id")
	return cmd
}

func refreshJWKSCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "refresh-jwks [provider-id]",
		Short: "Fetch provider key sets and report key id changes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			providers, err := cfg.ProviderConfigs()
			if err != nil {
				return err
			}

			client := &http.Client{Timeout: 10 * time.Second}
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			for i := range providers {
				p := &providers[i]
				if len(args) == 1 && p.ID != args[0] {
					continue
				}
				if p.JWKSetURL == "" {
					fmt.Printf("%s: no jwks_uri (HMAC provider), skipped\n", p.ID)
					continue
				}
				set, err := fetchKeySet(ctx, client, p.JWKSetURL)
				if err != nil {
					fmt.Printf("%s: fetch failed: %v\n", p.ID, err)
					continue
				}
				fmt.Printf("%s: %d keys [%s]\n", p.ID, len(set.Keys), strings.Join(set.KeyIDs(), ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration")
	return cmd
}

func fetchKeySet(ctx context.Context, client *http.Client, url string) (*provider.JWKSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return provider.ParseJWKSet(body)
}

func checkConfigCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and every provider entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			providers, err := cfg.ProviderConfigs()
			if err != nil {
				return err
			}
			if _, err := provider.NewStaticSource(providers); err != nil {
				return err
			}
			fmt.Printf("ok: %d providers\n", len(providers))
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration")
	return cmd
}
