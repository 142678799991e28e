package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// The trace and ledger subcommands are automation shims talking to a running
// serve instance over HTTP.

var apiClient = &http.Client{Timeout: 60 * time.Second}

func runTrace(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	sessionID, seeds := args[0], args[1:]

	body, err := json.Marshal(map[string][]string{"seed_ids": seeds})
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/sessions/%s/trace", addr, url.PathEscape(sessionID))
	resp, err := apiClient.Post(endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	return printResponse(resp)
}

func runLedgerVerify(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	from, _ := cmd.Flags().GetUint64("from")
	to, _ := cmd.Flags().GetUint64("to")

	q := url.Values{}
	if from > 0 {
		q.Set("from", strconv.FormatUint(from, 10))
	}
	if to > 0 {
		q.Set("to", strconv.FormatUint(to, 10))
	}
	endpoint := addr + "/ledger/verify"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	resp, err := apiClient.Get(endpoint)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	return printResponse(resp)
}

// printResponse pretty-prints the server's JSON body and maps non-2xx
// statuses to a command error so exit codes are meaningful in scripts.
func printResponse(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(data))
	}

	if resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
