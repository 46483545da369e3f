// Command trustctl is the operator CLI for trustd.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/jmerrifield20/NexusTrustCore/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL    string
	cfgFile      string
	outputFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "trustctl",
	Short: "Operator CLI for the trust and audit core",
	Long: `trustctl talks to a running trustd over its HTTP API.

It inspects and verifies the audit ledger, records governance actions,
reviews trust alerts and adjusts the trust metrics configuration.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.trustctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("trustctl")
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		switch outputFormat {
		case "text", "json", "yaml":
			return nil
		default:
			return fmt.Errorf("unknown --format %q (want text, json or yaml)", outputFormat)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.trustctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "trustd base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "text", "Output format: text, json or yaml")

	rootCmd.AddCommand(headCmd, verifyCmd, eventsCmd, trailCmd, exportCmd, logCmd)
	rootCmd.AddCommand(entityCmd, alertsCmd, resolveCmd, configCmd)
	rootCmd.AddCommand(tokenCmd, versionCmd)
}

// newClient builds an API client. The admin token comes from the "token"
// config key (TRUSTCTL_TOKEN).
func newClient() (*client.Client, error) {
	var opts []client.Option
	if tok := viper.GetString("token"); tok != "" {
		opts = append(opts, client.WithBearerToken(tok))
	}
	return client.New(serverURL, opts...)
}

// render writes v in the selected format. text is called for --format text.
func render(v any, text func(w io.Writer)) error {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		return writeYAML(os.Stdout, v)
	default:
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		text(w)
		return w.Flush()
	}
}

// writeYAML emits v using its JSON field names.
func writeYAML(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the trustctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("trustctl", version)
	},
}
