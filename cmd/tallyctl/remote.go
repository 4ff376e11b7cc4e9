package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

type client struct {
	server string
	token  string
	http   *http.Client
}

type leaderboard struct {
	Version     uint64 `json:"version"`
	TotalWeight string `json:"totalWeight"`
	Entries     []struct {
		Name         string `json:"name"`
		Rank         int    `json:"rank"`
		IsSelf       bool   `json:"isSelf"`
		TotalWeight  string `json:"totalWeight"`
		HasVotedSelf bool   `json:"hasVotedSelf"`
	} `json:"entries"`
	State votingState `json:"state"`
}

type votingState struct {
	Connected     bool   `json:"connected"`
	VotingEnabled bool   `json:"votingEnabled"`
	IsPrivileged  bool   `json:"isPrivileged"`
	HasVoted      bool   `json:"hasVoted"`
	WritePending  bool   `json:"writePending"`
	Self          string `json:"self"`
	SelfAddress   string `json:"selfAddress"`
	VoteCeiling   string `json:"voteCeiling"`
}

func runRemote(cmd string, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	server := fs.String("server", defaultServer, "tallyd base URL")
	tokenEnv := fs.String("token-env", defaultToken, "Environment variable containing the bearer token")
	timeout := fs.Duration("timeout", 3*time.Minute, "Request timeout")
	candidate := fs.String("candidate", "", "Candidate name (vote, grant)")
	amount := fs.String("amount", "", "Decimal amount (vote, grant)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c := &client{
		server: strings.TrimRight(*server, "/"),
		token:  strings.TrimSpace(os.Getenv(*tokenEnv)),
		http:   &http.Client{Timeout: *timeout},
	}

	switch cmd {
	case "leaderboard":
		var board leaderboard
		if err := c.do(http.MethodGet, "/v1/tally", nil, &board); err != nil {
			return err
		}
		printLeaderboard(stdout, board)
	case "state":
		var st votingState
		if err := c.do(http.MethodGet, "/v1/state", nil, &st); err != nil {
			return err
		}
		printState(stdout, st)
	case "vote", "grant":
		if *candidate == "" || *amount == "" {
			return fmt.Errorf("%s requires -candidate and -amount", cmd)
		}
		path := "/v1/votes"
		if cmd == "grant" {
			path = "/v1/tokens"
		}
		var receipt struct {
			TxHash    string `json:"txHash"`
			Candidate string `json:"candidate"`
			Amount    string `json:"amount"`
		}
		body := map[string]string{"candidate": *candidate, "amount": *amount}
		if err := c.do(http.MethodPost, path, body, &receipt); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Confirmed %s of %s for %s (tx %s)\n", cmd, receipt.Amount, receipt.Candidate, receipt.TxHash)
	case "toggle", "voting-on", "voting-off":
		path := map[string]string{
			"toggle":     "/v1/voting/toggle",
			"voting-on":  "/v1/voting/on",
			"voting-off": "/v1/voting/off",
		}[cmd]
		var resp struct {
			VotingEnabled bool `json:"votingEnabled"`
		}
		if err := c.do(http.MethodPost, path, nil, &resp); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Voting enabled: %t\n", resp.VotingEnabled)
	case "reload":
		var board leaderboard
		if err := c.do(http.MethodPost, "/v1/reload", nil, &board); err != nil {
			return err
		}
		printLeaderboard(stdout, board)
	case "connect", "disconnect":
		var resp struct {
			State   string `json:"state"`
			Address string `json:"address"`
			Error   string `json:"error"`
		}
		if err := c.do(http.MethodPost, "/v1/session/"+cmd, nil, &resp); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Session %s %s\n", resp.State, resp.Address)
	}
	return nil
}

func (c *client) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.server+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(res.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = http.StatusText(res.StatusCode)
		}
		return fmt.Errorf("%s %s: %d %s", method, path, res.StatusCode, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func printLeaderboard(w io.Writer, board leaderboard) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tCANDIDATE\tWEIGHT\t")
	for _, entry := range board.Entries {
		name := entry.Name
		if entry.IsSelf {
			name += " (you)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t\n", entry.Rank, name, entry.TotalWeight)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "Total: %s  Voting: %s  Voted: %t\n", board.TotalWeight, onOff(board.State.VotingEnabled), board.State.HasVoted)
}

func printState(w io.Writer, st votingState) {
	fmt.Fprintf(w, "Connected:   %t\n", st.Connected)
	fmt.Fprintf(w, "Address:     %s\n", st.SelfAddress)
	if st.Self != "" {
		fmt.Fprintf(w, "Candidate:   %s\n", st.Self)
	}
	fmt.Fprintf(w, "Voting:      %s\n", onOff(st.VotingEnabled))
	fmt.Fprintf(w, "Privileged:  %t\n", st.IsPrivileged)
	fmt.Fprintf(w, "Has voted:   %t\n", st.HasVoted)
	fmt.Fprintf(w, "Pending:     %t\n", st.WritePending)
	fmt.Fprintf(w, "Vote limit:  %s\n", st.VoteCeiling)
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
