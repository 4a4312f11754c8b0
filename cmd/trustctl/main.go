package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agenttrust/station/pkg/agentclient"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	stationURL string
	apiKey     string
	cfgFile    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "trustctl",
	Short: "Agent Trust Station CLI",
	Long: `trustctl is the command-line interface for an Agent Trust Station.

It registers developers and agents, requests clearance certificates,
inspects reputation scores, and calls gateway actions on an agent's
behalf.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.trustctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if stationURL == "" {
			stationURL = viper.GetString("station_url")
		}
		if stationURL == "" {
			stationURL = "http://localhost:3000"
		}
		if apiKey == "" {
			apiKey = viper.GetString("api_key")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.trustctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&stationURL, "station", "", "trust station URL (default http://localhost:3000, env STATION_URL)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "developer API key (env API_KEY)")

	rootCmd.AddCommand(registerDeveloperCmd)
	rootCmd.AddCommand(registerAgentCmd)
	rootCmd.AddCommand(requestCertCmd)
	rootCmd.AddCommand(reputationCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(versionCmd)
}

// ── register-developer ───────────────────────────────────────────────────────

var (
	developerName  string
	developerEmail string
)

var registerDeveloperCmd = &cobra.Command{
	Use:   "register-developer",
	Short: "Register a developer account and receive its API key",
	Long: `Register a developer account on the trust station.

The API key is printed exactly once and cannot be recovered; store it
before closing the terminal.`,
	RunE: runRegisterDeveloper,
}

func init() {
	registerDeveloperCmd.Flags().StringVar(&developerName, "name", "", "Developer display name (required)")
	registerDeveloperCmd.Flags().StringVar(&developerEmail, "email", "", "Contact email")
	_ = registerDeveloperCmd.MarkFlagRequired("name")
}

func runRegisterDeveloper(cmd *cobra.Command, args []string) error {
	var resp struct {
		Developer struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"developer"`
		APIKey string `json:"apiKey"`
	}
	err := callStation(http.MethodPost, "/developers/register", map[string]string{
		"name":  developerName,
		"email": developerEmail,
	}, false, &resp)
	if err != nil {
		return err
	}

	fmt.Printf("Developer registered.\n\n")
	fmt.Printf("  ID:      %s\n", resp.Developer.ID)
	fmt.Printf("  Name:    %s\n", resp.Developer.Name)
	fmt.Printf("  API key: %s\n\n", resp.APIKey)
	fmt.Println("Store the API key now; the station keeps only a hash of it.")
	return nil
}

// ── register-agent ───────────────────────────────────────────────────────────

var agentDisplayName string

var registerAgentCmd = &cobra.Command{
	Use:   "register-agent <externalId>",
	Short: "Register an agent under your developer account",
	Args:  cobra.ExactArgs(1),
	RunE:  runRegisterAgent,
}

func init() {
	registerAgentCmd.Flags().StringVar(&agentDisplayName, "name", "", "Agent display name")
}

func runRegisterAgent(cmd *cobra.Command, args []string) error {
	var resp struct {
		Agent struct {
			ID              string `json:"id"`
			ExternalID      string `json:"external_id"`
			ReputationScore int    `json:"reputation_score"`
			Status          string `json:"status"`
		} `json:"agent"`
	}
	err := callStation(http.MethodPost, "/developers/agents", map[string]string{
		"externalId":  args[0],
		"displayName": agentDisplayName,
	}, true, &resp)
	if err != nil {
		return err
	}

	fmt.Printf("Agent registered.\n\n")
	fmt.Printf("  ID:          %s\n", resp.Agent.ID)
	fmt.Printf("  External ID: %s\n", resp.Agent.ExternalID)
	fmt.Printf("  Score:       %d\n", resp.Agent.ReputationScore)
	fmt.Printf("  Status:      %s\n", resp.Agent.Status)
	return nil
}

// ── request-cert ─────────────────────────────────────────────────────────────

var certScope []string

var requestCertCmd = &cobra.Command{
	Use:   "request-cert <externalId>",
	Short: "Request a clearance certificate for an agent",
	Long: `Request a short-lived signed clearance certificate.

The token embeds the agent's current reputation score; gateways verify
it locally without calling the station. Restrict it to specific actions
with --scope:

  trustctl request-cert crawler-1 --scope search,order`,
	Args: cobra.ExactArgs(1),
	RunE: runRequestCert,
}

func init() {
	requestCertCmd.Flags().StringSliceVar(&certScope, "scope", nil, "Actions the certificate permits (default: all)")
}

func runRequestCert(cmd *cobra.Command, args []string) error {
	var resp struct {
		Token     string    `json:"token"`
		JTI       string    `json:"jti"`
		ExpiresAt time.Time `json:"expiresAt"`
		Score     int       `json:"score"`
	}
	err := callStation(http.MethodPost, "/certificates/request", map[string]any{
		"agentId": args[0],
		"scope":   certScope,
	}, true, &resp)
	if err != nil {
		return err
	}

	fmt.Printf("Certificate issued.\n\n")
	fmt.Printf("  JTI:     %s\n", resp.JTI)
	fmt.Printf("  Score:   %d\n", resp.Score)
	fmt.Printf("  Expires: %s\n", resp.ExpiresAt.Format(time.RFC3339))
	if len(certScope) > 0 {
		fmt.Printf("  Scope:   %s\n", strings.Join(certScope, ", "))
	}
	fmt.Printf("\n%s\n", resp.Token)
	return nil
}

// ── reputation ───────────────────────────────────────────────────────────────

var reputationCmd = &cobra.Command{
	Use:   "reputation <externalId>",
	Short: "Show an agent's reputation score breakdown",
	Args:  cobra.ExactArgs(1),
	RunE:  runReputation,
}

func runReputation(cmd *cobra.Command, args []string) error {
	var resp struct {
		AgentID    string `json:"agentId"`
		ExternalID string `json:"externalId"`
		Breakdown  struct {
			Base           int `json:"base"`
			Identity       int `json:"identity"`
			Stake          int `json:"stake"`
			Vouches        int `json:"vouches"`
			SuccessRate    int `json:"success_rate"`
			Age            int `json:"age"`
			FailurePenalty int `json:"failure_penalty"`
			Score          int `json:"score"`
		} `json:"breakdown"`
		RecentEvents []struct {
			EventType   string    `json:"event_type"`
			ScoreChange int       `json:"score_change"`
			CreatedAt   time.Time `json:"created_at"`
		} `json:"recentEvents"`
	}
	if err := callStation(http.MethodGet, "/agents/"+args[0]+"/reputation", nil, true, &resp); err != nil {
		return err
	}

	b := resp.Breakdown
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Agent\t%s (%s)\n", resp.ExternalID, resp.AgentID)
	fmt.Fprintf(w, "Base\t%+d\n", b.Base)
	fmt.Fprintf(w, "Identity\t%+d\n", b.Identity)
	fmt.Fprintf(w, "Stake\t%+d\n", b.Stake)
	fmt.Fprintf(w, "Vouches\t%+d\n", b.Vouches)
	fmt.Fprintf(w, "Success rate\t%+d\n", b.SuccessRate)
	fmt.Fprintf(w, "Account age\t%+d\n", b.Age)
	fmt.Fprintf(w, "Failures\t%+d\n", -b.FailurePenalty)
	fmt.Fprintf(w, "Score\t%d\n", b.Score)
	if err := w.Flush(); err != nil {
		return err
	}

	if len(resp.RecentEvents) > 0 {
		fmt.Println("\nRecent events:")
		for _, e := range resp.RecentEvents {
			fmt.Printf("  %s  %-20s %+d\n", e.CreatedAt.Format(time.RFC3339), e.EventType, e.ScoreChange)
		}
	}
	return nil
}

// ── call ─────────────────────────────────────────────────────────────────────

var (
	callAgentID string
	callParams  string
	callScope   []string
)

var callCmd = &cobra.Command{
	Use:   "call <gatewayUrl> <action>",
	Short: "Execute a gateway action as an agent",
	Long: `Execute one action on a gateway, handling the certificate dance.

The command requests a certificate for the agent, presents it to the
gateway, and retries once with a fresh certificate if the gateway
rejects it as expired:

  trustctl call http://localhost:4000 search --agent crawler-1 --params '{"query":"boots"}'`,
	Args: cobra.ExactArgs(2),
	RunE: runCall,
}

func init() {
	callCmd.Flags().StringVar(&callAgentID, "agent", "", "Agent external ID (required)")
	callCmd.Flags().StringVar(&callParams, "params", "{}", "Action parameters as a JSON object")
	callCmd.Flags().StringSliceVar(&callScope, "scope", nil, "Certificate scope (default: all actions)")
	_ = callCmd.MarkFlagRequired("agent")
}

func runCall(cmd *cobra.Command, args []string) error {
	if apiKey == "" {
		return fmt.Errorf("an API key is required (--api-key or API_KEY)")
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(callParams), &params); err != nil {
		return fmt.Errorf("--params must be a JSON object: %w", err)
	}

	opts := []agentclient.Option{}
	if len(callScope) > 0 {
		opts = append(opts, agentclient.WithScope(callScope))
	}
	c, err := agentclient.New(stationURL, apiKey, callAgentID, opts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result, err := c.ExecuteAction(ctx, args[0], args[1], params)
	if err != nil {
		return err
	}

	if !result.Success {
		fmt.Printf("Denied (HTTP %d): %s\n", result.Status, result.Error)
		os.Exit(1)
	}
	out, err := json.MarshalIndent(json.RawMessage(result.Data), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the trustctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("trustctl", version)
	},
}

// ── station HTTP helper ──────────────────────────────────────────────────────

// callStation performs one station API call and decodes the success
// envelope into out.
func callStation(method, path string, payload any, authed bool, out any) error {
	if authed && apiKey == "" {
		return fmt.Errorf("an API key is required (--api-key or API_KEY)")
	}

	var bodyReader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, stationURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("station request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("station returned HTTP %d: %s", resp.StatusCode, string(body))
	}
	if !envelope.Success {
		return fmt.Errorf("station error (HTTP %d): %s", resp.StatusCode, envelope.Error)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
