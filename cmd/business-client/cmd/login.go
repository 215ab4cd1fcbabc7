package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

var (
	loginEmail string
	loginCode  string
)

// apiClient calls the HTTP login API.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// request posts body as JSON and returns the response body.
func (c *apiClient) request(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Error)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in with an emailed one-time code",
	Long: `Without --code, asks the server to send a code to --email.
With --code, exchanges it for an access and refresh token.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if loginEmail == "" {
			return fmt.Errorf("--email is required")
		}
		api := newAPIClient(httpURL(serverURL))
		out := cmd.OutOrStdout()

		if loginCode == "" {
			if _, err := api.request(cmd.Context(), "/auth/v1/otp", map[string]any{
				"email": loginEmail, "create_user": false,
			}); err != nil {
				return err
			}
			fmt.Fprintf(out, "code requested for %s\n", loginEmail)
			return nil
		}

		body, err := api.request(cmd.Context(), "/auth/v1/verify", map[string]any{
			"email": loginEmail, "token": loginCode, "type": "email",
		})
		if err != nil {
			return err
		}
		var tokens struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
			ExpiresAt    int64  `json:"expires_at"`
		}
		if err := json.Unmarshal(body, &tokens); err != nil {
			return fmt.Errorf("failed to decode tokens: %w", err)
		}
		if output == "json" {
			return printJSON(out, tokens)
		}
		fmt.Fprintf(out, "access token:  %s\nrefresh token: %s\n\nexport BUSINESS_TOKEN=%s\n",
			tokens.AccessToken, tokens.RefreshToken, tokens.AccessToken)
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "Account email")
	loginCmd.Flags().StringVar(&loginCode, "code", "", "One-time code from the email")
	rootCmd.AddCommand(loginCmd)
}
