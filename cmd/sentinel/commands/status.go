package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"socket-sentinel/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current state of a running sentinel",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().String("api-url", "http://localhost:8080", "Sentinel API URL")
	statusCmd.Flags().String("format", "table", "Output format (table, json, yaml)")
	statusCmd.Flags().Bool("watch", false, "Refresh until interrupted")
	statusCmd.Flags().Duration("interval", 5*time.Second, "Watch interval")
	statusCmd.Flags().Duration("timeout", 5*time.Second, "Request timeout")
}

// Status what the status command renders
type Status struct {
	Cycle         uint64               `json:"cycle" yaml:"cycle"`
	LastUpdated   time.Time            `json:"lastUpdated" yaml:"lastUpdated"`
	Mode          string               `json:"mode" yaml:"mode"`
	Failures      int                  `json:"consecutiveFailures" yaml:"consecutiveFailures"`
	RetryAt       time.Time            `json:"retryAt,omitzero" yaml:"retryAt,omitempty"`
	UsingFallback bool                 `json:"usingFallback" yaml:"usingFallback"`
	System        models.SystemStatus  `json:"systemStatus" yaml:"systemStatus"`
	Sockets       []models.SocketState `json:"sockets" yaml:"sockets"`
	Alerts        []models.Alert       `json:"alerts" yaml:"alerts"`
	PredictedPeak *models.Prediction   `json:"predictedPeak,omitempty" yaml:"predictedPeak,omitempty"`
	Threshold     float64              `json:"highPowerThreshold" yaml:"highPowerThreshold"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	apiURL, _ := cmd.Flags().GetString("api-url")
	format, _ := cmd.Flags().GetString("format")
	watch, _ := cmd.Flags().GetBool("watch")
	interval, _ := cmd.Flags().GetDuration("interval")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	client := &http.Client{Timeout: timeout}
	out := cmd.OutOrStdout()

	if !watch {
		return displayStatus(cmd.Context(), client, apiURL, format, out)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		fmt.Fprint(out, "\033[H\033[2J")
		if err := displayStatus(cmd.Context(), client, apiURL, format, out); err != nil {
			fmt.Fprintln(out, "error:", err)
		}
		select {
		case <-cmd.Context().Done():
			return nil
		case <-ticker.C:
		}
	}
}

func displayStatus(ctx context.Context, client *http.Client, apiURL, format string, out io.Writer) error {
	status, err := fetchStatus(ctx, client, strings.TrimSuffix(apiURL, "/"))
	if err != nil {
		return fmt.Errorf("failed to fetch status: %w", err)
	}

	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	case "yaml":
		data, err := yaml.Marshal(status)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	default:
		displayTable(out, status, time.Now())
		return nil
	}
}

// fetchStatus combines /api/state, /api/predictions and /stats
func fetchStatus(ctx context.Context, client *http.Client, apiURL string) (*Status, error) {
	var state struct {
		Cycle         uint64               `json:"cycle"`
		LastUpdated   time.Time            `json:"lastUpdated"`
		SystemStatus  models.SystemStatus  `json:"systemStatus"`
		Sockets       []models.SocketState `json:"sockets"`
		Alerts        []models.Alert       `json:"alerts"`
		Config        models.Config        `json:"config"`
		UsingFallback bool                 `json:"usingFallback"`
	}
	if err := getJSON(ctx, client, apiURL+"/api/state", &state); err != nil {
		return nil, err
	}

	var stats struct {
		Device struct {
			Mode                string    `json:"mode"`
			ConsecutiveFailures int       `json:"consecutiveFailures"`
			RetryAt             time.Time `json:"retryAt"`
		} `json:"device"`
	}
	if err := getJSON(ctx, client, apiURL+"/stats", &stats); err != nil {
		return nil, err
	}

	var forecast struct {
		Predictions []models.Prediction `json:"predictions"`
	}
	if err := getJSON(ctx, client, apiURL+"/api/predictions", &forecast); err != nil {
		return nil, err
	}

	status := &Status{
		Cycle:         state.Cycle,
		LastUpdated:   state.LastUpdated,
		Mode:          stats.Device.Mode,
		Failures:      stats.Device.ConsecutiveFailures,
		RetryAt:       stats.Device.RetryAt,
		UsingFallback: state.UsingFallback,
		System:        state.SystemStatus,
		Sockets:       state.Sockets,
		Alerts:        state.Alerts,
		Threshold:     state.Config.HighPowerThreshold,
	}
	for i, p := range forecast.Predictions {
		if status.PredictedPeak == nil || p.PredictedPower > status.PredictedPeak.PredictedPower {
			status.PredictedPeak = &forecast.Predictions[i]
		}
	}
	return status, nil
}

func getJSON(ctx context.Context, client *http.Client, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func displayTable(out io.Writer, s *Status, now time.Time) {
	fmt.Fprintf(out, "Socket Sentinel Status - %s\n\n", now.Format("2006-01-02 15:04:05"))

	fmt.Fprintln(out, "Overview:")
	fmt.Fprintf(out, "  Mode           : %s\n", s.Mode)
	fmt.Fprintf(out, "  Total Power    : %s (threshold %s)\n", watts(s.System.TotalPower), watts(s.Threshold))
	fmt.Fprintf(out, "  Connected      : %s\n", yesNo(s.System.IsConnected))
	fmt.Fprintf(out, "  Fallback       : %s\n", yesNo(s.UsingFallback))
	if s.System.IsIsolated {
		fmt.Fprintf(out, "  Isolated       : yes (%s)\n", s.System.IsolationReason)
	} else {
		fmt.Fprintln(out, "  Isolated       : no")
	}
	if s.System.IsCommunicationBlocked {
		fmt.Fprintln(out, "  Communication  : blocked")
	}
	fmt.Fprintf(out, "  Last Updated   : %s (cycle %s)\n", humanize.RelTime(s.LastUpdated, now, "ago", "from now"), humanize.Comma(int64(s.Cycle)))
	if s.Failures > 0 {
		fmt.Fprintf(out, "  Failures       : %d\n", s.Failures)
	}
	if !s.RetryAt.IsZero() {
		fmt.Fprintf(out, "  Retry          : %s\n", humanize.RelTime(s.RetryAt, now, "ago", "from now"))
	}
	if s.PredictedPeak != nil {
		fmt.Fprintf(out, "  Predicted Peak : %s at %s\n", watts(s.PredictedPeak.PredictedPower), s.PredictedPeak.Timestamp.Local().Format("15:04"))
	}

	if len(s.Sockets) > 0 {
		fmt.Fprintln(out, "\nSockets:")
		for _, sock := range s.Sockets {
			fmt.Fprintf(out, "  - #%d %-12s %s %10s  %.1fV %.2fA\n",
				sock.ID, sock.Name, relayMarker(sock.RelayOn), watts(sock.Power), sock.Voltage, sock.Current)
		}
	}

	if len(s.Alerts) > 0 {
		fmt.Fprintln(out, "\nAlerts:")
		for _, alert := range s.Alerts {
			fmt.Fprintf(out, "  [%s] %s - %s\n",
				strings.ToUpper(string(alert.Severity)), alert.Message, humanize.RelTime(alert.Timestamp, now, "ago", "from now"))
		}
	}
}

func watts(w float64) string {
	return humanize.SIWithDigits(w, 1, "W")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func relayMarker(on bool) string {
	if on {
		return "[ON] "
	}
	return "[OFF]"
}
