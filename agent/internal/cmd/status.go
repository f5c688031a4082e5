package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/phishguard/phishguard/agent/internal/daemon"
	"github.com/phishguard/phishguard/agent/internal/ipc"
	"github.com/phishguard/phishguard/agent/internal/live"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show agent status",
		RunE:  runStatus,
	}
	cmd.Flags().Bool("json", false, "print the raw status object")
	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	paths := statePaths(cmd)
	out := cmd.OutOrStdout()
	asJSON, _ := cmd.Flags().GetBool("json")

	// A running agent answers over IPC.
	if st, err := queryStatus(cmd.Context(), paths.Socket()); err == nil {
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}
		printStatus(out, st)
		return nil
	}

	pid, _ := paths.ReadPID()
	if pid == 0 {
		_, _ = fmt.Fprintln(out, "Status:  stopped (no PID file)")
		return nil
	}
	if !daemon.IsRunning(pid) {
		_, _ = fmt.Fprintf(out, "Status:  stopped (stale PID %d)\n", pid)
		return nil
	}
	_, _ = fmt.Fprintf(out, "Status:  running, not answering on %s\n", paths.Socket())
	_, _ = fmt.Fprintf(out, "PID:     %d\n", pid)
	_, _ = fmt.Fprintf(out, "Logs:    %s\n", paths.LogFile())
	return nil
}

func queryStatus(ctx context.Context, socket string) (*ipc.StatusResult, error) {
	client, err := ipc.Dial(socket)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return client.Status(ctx)
}

func printStatus(w io.Writer, st *ipc.StatusResult) {
	session := st.Session
	if st.User != nil {
		session = fmt.Sprintf("%s (%s)", st.Session, st.User.Email)
	}
	channel := string(st.Channel)
	if st.Channel == live.StateReconnecting {
		channel = fmt.Sprintf("%s (attempt %d)", st.Channel, st.Attempts)
	}

	_, _ = fmt.Fprintf(w, "Status:   running\n")
	_, _ = fmt.Fprintf(w, "Version:  %s\n", st.Version)
	_, _ = fmt.Fprintf(w, "Backend:  %s\n", st.BackendURL)
	_, _ = fmt.Fprintf(w, "Session:  %s\n", session)
	if st.TokenExpiry != nil {
		_, _ = fmt.Fprintf(w, "Token:    expires %s\n", st.TokenExpiry.Local().Format(time.RFC3339))
	}
	_, _ = fmt.Fprintf(w, "Channel:  %s\n", channel)
	_, _ = fmt.Fprintf(w, "Alerts:   %d unread notifications, %d unread threats (system alerts %s)\n",
		st.UnreadNotifications, st.UnreadThreatAlerts, st.Permission)
	if s := st.Statistics; s != nil {
		_, _ = fmt.Fprintf(w, "Scanned:  %d emails, %d threats, %d phishing blocked\n",
			s.EmailsScanned, s.ThreatsDetected, s.PhishingBlocked)
	}
	_, _ = fmt.Fprintf(w, "Uptime:   %s\n", st.Uptime)
}
