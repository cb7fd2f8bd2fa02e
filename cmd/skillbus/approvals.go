package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/basket/skillbus/internal/config"
)

func runApprovalsCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: skillbus approvals <list|approve>")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	token, err := loadAuthToken(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "auth token: %v\n", err)
		return 1
	}
	base := strings.TrimSuffix(healthURL(cfg.BindAddr), "/healthz")

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "list":
		return runApprovalsList(ctx, base, token)
	case "approve":
		return runApprovalsApprove(ctx, base, token, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown approvals action %q\n", args[0])
		return 2
	}
}

func runApprovalsList(ctx context.Context, base, token string) int {
	body, status, err := fetchJSON(ctx, base+"/v1/requests?status=BLOCKED", token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "approvals list: %v\n", err)
		return 1
	}
	printJSON(body)
	if status != http.StatusOK {
		return 1
	}
	return 0
}

func runApprovalsApprove(ctx context.Context, base, token string, args []string) int {
	fs := flag.NewFlagSet("approve", flag.ContinueOnError)
	approver := fs.String("approver", "", "operator identity recorded on the approval (default: current user)")
	reason := fs.String("reason", "", "free-form approval reason")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "usage: skillbus approvals approve [-approver <name>] [-reason <text>] <request-id>")
		return 2
	}
	requestID := rest[0]

	who := strings.TrimSpace(*approver)
	if who == "" {
		if u, err := user.Current(); err == nil {
			who = u.Username
		}
	}
	if who == "" {
		fmt.Fprintln(os.Stderr, "cannot determine approver; pass -approver")
		return 2
	}

	payload, _ := json.Marshal(map[string]string{"approver": who, "reason": *reason})
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		base+"/v1/requests/"+requestID+"/approve", bytes.NewReader(payload))
	if err != nil {
		fmt.Fprintf(os.Stderr, "approve: %v\n", err)
		return 1
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "approve: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	printJSON(body)
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
