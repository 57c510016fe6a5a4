package main

import (
	"net/url"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/plansync/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Long:  "Prints configuration after defaults, config.yaml and PLANSYNC_* environment overrides are applied. Credentials are redacted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(redacted(cfg)); err != nil {
			return eris.Wrap(err, "encode config")
		}
		return enc.Close()
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}

// redacted returns a copy of c with credentials masked.
func redacted(c *config.Config) config.Config {
	out := *c
	out.Analytical.DatabaseURL = redactURL(c.Analytical.DatabaseURL)
	out.Source.URL = redactURL(c.Source.URL)
	if c.Monitoring.WebhookURL != "" {
		out.Monitoring.WebhookURL = redactURL(c.Monitoring.WebhookURL)
	}
	return out
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
