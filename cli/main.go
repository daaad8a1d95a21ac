package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/haasonsaas/gearwatch/pkg/auth"
	"github.com/haasonsaas/gearwatch/pkg/detector"
	"github.com/haasonsaas/gearwatch/pkg/events"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	serverURL   string
	sessionPath string
	Version     = "dev"
)

type deviceInfo struct {
	ClientID     string    `json:"client_id"`
	Name         string    `json:"name"`
	DeviceType   string    `json:"device_type"`
	Status       string    `json:"status"`
	RegisteredAt time.Time `json:"registered_at"`
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "gearwatch",
		Short:         "gearwatch - security monitoring for gaming peripherals",
		Long:          "Inspect security events, device alerts and attack status on a gearwatch collector",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "Collector URL (default from session or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&sessionPath, "session", defaultSessionPath(), "Session file path")

	rootCmd.AddCommand(
		loginCmd(),
		logsCmd(),
		alertsCmd(),
		devicesCmd(),
		statusCmd(),
		signCmd(),
		versionCmd(),
	)
	return rootCmd
}

// authedClient builds a client from the saved session.
func authedClient() (*apiClient, error) {
	s, err := loadSession(sessionPath)
	if err != nil {
		return nil, err
	}
	server := serverURL
	if server == "" {
		server = s.Server
	}
	return newAPIClient(server, s.Token), nil
}

func loginCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store a session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("GEARWATCH_PASSWORD")
			}
			if password == "" {
				fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
				raw, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(cmd.ErrOrStderr())
				if err != nil {
					return fmt.Errorf("read password: %w", err)
				}
				password = string(raw)
			}
			server := serverURL
			if server == "" {
				server = "http://localhost:8080"
			}

			var resp auth.TokenResponse
			client := newAPIClient(server, "")
			if err := client.do(http.MethodPost, "/api/auth/login", map[string]string{
				"username": username,
				"password": password,
			}, &resp); err != nil {
				return err
			}

			s := &session{
				Server:    server,
				Username:  username,
				Token:     resp.Token,
				Role:      resp.Role,
				ExpiresAt: time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
			}
			if err := s.save(sessionPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (%s), token valid until %s\n", username, resp.Role, s.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "admin", "Username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password (prompted when empty)")
	return cmd
}

func logsCmd() *cobra.Command {
	var severity string
	var archived bool
	var limit int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the security event log (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := authedClient()
			if err != nil {
				return err
			}
			query := url.Values{}
			if severity != "" {
				query.Set("severity", severity)
			}
			path := "/api/security/logs"
			if archived {
				path = "/api/security/archive"
				if limit > 0 {
					query.Set("limit", strconv.Itoa(limit))
				}
			}
			if len(query) > 0 {
				path += "?" + query.Encode()
			}

			var resp struct {
				Events []events.Event `json:"events"`
			}
			if err := client.do(http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			writeEvents(cmd.OutOrStdout(), resp.Events)
			return nil
		},
	}
	cmd.Flags().StringVar(&severity, "severity", "", "Filter by severity (info, warning, critical)")
	cmd.Flags().BoolVar(&archived, "archive", false, "Query the durable archive instead of the live log")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum archived events")
	return cmd
}

func writeEvents(out io.Writer, list []events.Event) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSEVERITY\tTYPE\tORIGIN\tDETAILS")
	for _, e := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.Severity, e.Type, e.Origin, formatDetails(e.Details))
	}
	w.Flush()
}

func formatDetails(details map[string]any) string {
	if len(details) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(details))
	for k, v := range details {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

func alertsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "alerts [device_id]",
		Short: "Show alerts for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := authedClient()
			if err != nil {
				return err
			}
			var resp struct {
				Alerts []events.DeviceAlert `json:"alerts"`
			}
			if err := client.do(http.MethodGet, "/api/security/device_alerts/"+url.PathEscape(args[0]), nil, &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tSEVERITY\tTYPE\tDETAILS")
			for _, a := range resp.Alerts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Timestamp.Format(time.RFC3339), a.Severity, a.Type, formatDetails(a.Details))
			}
			w.Flush()
			return nil
		},
	}
}

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "devices",
		Aliases: []string{"ls", "list"},
		Short:   "List registered devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := authedClient()
			if err != nil {
				return err
			}
			var resp struct {
				Devices []deviceInfo `json:"devices"`
			}
			if err := client.do(http.MethodGet, "/api/devices", nil, &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CLIENT ID\tNAME\tTYPE\tSTATUS\tREGISTERED")
			for _, d := range resp.Devices {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.ClientID, d.Name, d.DeviceType, d.Status, d.RegisteredAt.Format(time.RFC3339))
			}
			w.Flush()
			return nil
		},
	}
	cmd.AddCommand(registerDeviceCmd(), removeDeviceCmd())
	return cmd
}

func registerDeviceCmd() *cobra.Command {
	var name, deviceType string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a device and print its credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := authedClient()
			if err != nil {
				return err
			}
			var resp struct {
				ClientID string `json:"client_id"`
				Secret   string `json:"client_secret"`
			}
			if err := client.do(http.MethodPost, "/api/devices/register", map[string]string{
				"name":        name,
				"device_type": deviceType,
			}, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "client_id:     %s\nclient_secret: %s\n", resp.ClientID, resp.Secret)
			fmt.Fprintln(cmd.ErrOrStderr(), "The secret is shown only once.")
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Device name")
	cmd.Flags().StringVar(&deviceType, "type", "", "Device type (mouse, keyboard, headset, ...)")
	return cmd
}

func removeDeviceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove [device_id]",
		Short: "Remove a device (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := authedClient()
			if err != nil {
				return err
			}
			if err := client.do(http.MethodDelete, "/api/devices/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [device_id]",
		Short: "Show the attack detector state for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := authedClient()
			if err != nil {
				return err
			}
			var st detector.Status
			if err := client.do(http.MethodGet, "/api/security/status/"+url.PathEscape(args[0]), nil, &st); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Device: %s\n", args[0])
			fmt.Fprintf(out, "========================================\n\n")
			fmt.Fprintf(out, "Phase:         %s\n", st.Phase)
			fmt.Fprintf(out, "Under attack:  %v\n", st.UnderAttack)
			if st.UnderAttack {
				fmt.Fprintf(out, "Attack type:   %s\n", st.AttackType)
				fmt.Fprintf(out, "Intensity:     %.1f events/s\n", st.Intensity)
				if st.AttackStart != nil {
					fmt.Fprintf(out, "Since:         %s (%s)\n", st.AttackStart.Format(time.RFC3339), time.Since(*st.AttackStart).Round(time.Second))
				}
			}
			if st.CooldownUntil != nil {
				fmt.Fprintf(out, "Cooldown until: %s\n", st.CooldownUntil.Format(time.RFC3339))
			}
			fmt.Fprintf(out, "Last rate:     %.1f events/s\n", st.LastRate)
			fmt.Fprintf(out, "Tick failures: %d\n", st.TickFailures)
			return nil
		},
	}
}

func signCmd() *cobra.Command {
	var clientID, secret, file string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print the request signature for a JSON body",
		Long:  "Reads a JSON body from --file or stdin and prints the X-Request-Signature a device would send with it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("GEARWATCH_DEVICE_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("--secret or GEARWATCH_DEVICE_SECRET is required")
			}
			var in io.Reader = cmd.InOrStdin()
			if file != "" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			body, err := io.ReadAll(in)
			if err != nil {
				return err
			}
			sig, err := auth.Sign(secret, body)
			if err != nil {
				return fmt.Errorf("body is not valid JSON: %w", err)
			}
			out := cmd.OutOrStdout()
			if clientID != "" {
				fmt.Fprintf(out, "%s: %s\n", auth.HeaderClientID, clientID)
			}
			fmt.Fprintf(out, "%s: %s\n", auth.HeaderSignature, sig)
			return nil
		},
	}
	cmd.Flags().StringVar(&clientID, "client-id", "", "Device client id")
	cmd.Flags().StringVar(&secret, "secret", "", "Device shared secret")
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON body file (default stdin)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gearwatch version %s\n", Version)
		},
	}
}
