package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// AuthCmd creates the auth parent command
func AuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage examiner credentials",
		Long:  "Login, logout, and check authentication status for the forensix CLI",
	}

	cmd.AddCommand(AuthLoginCmd())
	cmd.AddCommand(AuthLogoutCmd())
	cmd.AddCommand(AuthStatusCmd())

	return cmd
}

// AuthLoginCmd creates the auth login command
func AuthLoginCmd() *cobra.Command {
	var token, apiURL, examiner string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Login with an examiner token",
		Long:  "Store the examiner bearer token and API URL in the global config (~/.config/forensix/config.json)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				fmt.Fprint(cmd.OutOrStdout(), "Enter examiner token: ")
				read, err := readLine(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read token: %w", err)
				}
				token = read
			}
			return runAuthLogin(cmd.OutOrStdout(), GlobalConfig{APIToken: token, APIURL: apiURL, Examiner: examiner})
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Examiner bearer token")
	cmd.Flags().StringVar(&apiURL, "url", defaultAPIURL, "API URL")
	cmd.Flags().StringVar(&examiner, "examiner", "", "Examiner name the token was issued to, shown by auth status")

	return cmd
}

// AuthLogoutCmd creates the auth logout command
func AuthLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Logout and clear credentials",
		Long:  "Remove stored credentials from global config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := DeleteGlobalConfig(); err != nil {
				return fmt.Errorf("failed to logout: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Successfully logged out")
			return nil
		},
	}
}

// AuthStatusCmd creates the auth status command
func AuthStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show authentication status",
		Long:  "Display current authentication source and credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			return runAuthStatus(cmd.OutOrStdout(), outputJSON)
		},
	}
}

func readLine(r io.Reader) (string, error) {
	input, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

func runAuthLogin(out io.Writer, login GlobalConfig) error {
	login.APIToken = strings.TrimSpace(login.APIToken)
	if login.APIToken == "" {
		return fmt.Errorf("token must not be empty")
	}
	if strings.ContainsAny(login.APIToken, " \t") {
		return fmt.Errorf("token must not contain whitespace")
	}
	login.Examiner = strings.TrimSpace(login.Examiner)

	if err := SaveGlobalConfig(&login); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	fmt.Fprintln(out, "Successfully logged in")
	return nil
}

func runAuthStatus(out io.Writer, outputJSON bool) error {
	_ = godotenv.Load()

	conn, err := resolveConnection(credentials{}, envCredentials(), LoadGlobalConfig)
	if err != nil {
		return err
	}
	authenticated := conn.token != ""

	if outputJSON {
		status := map[string]interface{}{
			"authenticated": authenticated,
			"source":        string(conn.tokenSource),
			"api_url":       conn.baseURL,
			"url_source":    string(conn.urlSource),
		}
		if authenticated {
			status["api_token"] = maskToken(conn.token)
		}
		if conn.examiner != "" {
			status["examiner"] = conn.examiner
		}
		data, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal status: %w", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	if !authenticated {
		fmt.Fprintf(out, "Not authenticated; requests to %s are sent without a token\n", conn.baseURL)
		fmt.Fprintln(out, "Run 'forensix auth login' to authenticate")
		return nil
	}

	fmt.Fprintln(out, "Authenticated: yes")
	fmt.Fprintf(out, "Token: %s (from %s)\n", maskToken(conn.token), conn.tokenSource)
	fmt.Fprintf(out, "API URL: %s (from %s)\n", conn.baseURL, conn.urlSource)
	if conn.examiner != "" {
		fmt.Fprintf(out, "Examiner: %s\n", conn.examiner)
	}
	return nil
}

func maskToken(token string) string {
	if len(token) < 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
