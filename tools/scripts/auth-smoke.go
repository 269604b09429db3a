// Package main provides a CI-friendly smoke test for the keepsake auth
// endpoints.
//
// It validates:
//   - login issues an access/refresh pair
//   - refresh rotates the pair
//   - replaying the rotated-out refresh token is denied
//   - the reuse cascade also kills the successor token
//   - a fresh login followed by logout revokes the session
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

type sessionPayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type loginPayload struct {
	UserID  string         `json:"user_id"`
	Session sessionPayload `json:"session"`
}

type refreshPayload struct {
	Session sessionPayload `json:"session"`
}

func main() {
	var (
		baseURL  = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		username = flag.String("user", "alice", "Username to log in with")
		password = flag.String("pass", "", "Password (required)")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if *password == "" {
		fatalf("-pass is required")
	}

	root := context.Background()
	base := strings.TrimRight(*baseURL, "/")

	login := mustLogin(root, base, *username, *password, *timeout)
	if *verbose {
		fmt.Printf("logged in: user=%s\n", login.UserID)
	}

	rotated := mustRefresh(root, base, login.Session.RefreshToken, *timeout)
	if rotated.Session.RefreshToken == login.Session.RefreshToken {
		fatalf("refresh did not rotate the token")
	}
	if *verbose {
		fmt.Println("rotation ok")
	}

	// Replay of the old token must be denied and must cascade.
	mustDenyRefresh(root, base, login.Session.RefreshToken, *timeout, "replayed token")
	mustDenyRefresh(root, base, rotated.Session.RefreshToken, *timeout, "successor after cascade")
	if *verbose {
		fmt.Println("reuse cascade ok")
	}

	relogin := mustLogin(root, base, *username, *password, *timeout)
	mustLogout(root, base, relogin.Session.AccessToken, *timeout)
	mustDenyRefresh(root, base, relogin.Session.RefreshToken, *timeout, "token after logout")
	if *verbose {
		fmt.Println("logout ok")
	}

	fmt.Println("auth smoke: PASS")
}

func mustLogin(ctx context.Context, base, username, password string, timeout time.Duration) loginPayload {
	var out loginPayload
	status := mustPost(ctx, base+"/auth/login", map[string]string{
		"username":     username,
		"password":     password,
		"device_label": "auth-smoke",
	}, &out, timeout)
	if status != http.StatusOK {
		fatalf("login: status %d", status)
	}
	if out.Session.AccessToken == "" || out.Session.RefreshToken == "" {
		fatalf("login: empty session")
	}
	return out
}

func mustRefresh(ctx context.Context, base, refreshToken string, timeout time.Duration) refreshPayload {
	var out refreshPayload
	status := mustPost(ctx, base+"/auth/refresh", map[string]string{
		"refresh_token": refreshToken,
	}, &out, timeout)
	if status != http.StatusOK {
		fatalf("refresh: status %d", status)
	}
	return out
}

func mustDenyRefresh(ctx context.Context, base, refreshToken string, timeout time.Duration, why string) {
	status := mustPost(ctx, base+"/auth/refresh", map[string]string{
		"refresh_token": refreshToken,
	}, nil, timeout)
	if status != http.StatusUnauthorized {
		fatalf("%s: status %d, want 401", why, status)
	}
}

func mustLogout(ctx context.Context, base, accessToken string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/auth/logout", nil)
	if err != nil {
		fatalf("logout: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("logout: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fatalf("logout: status %d", resp.StatusCode)
	}
}

func mustPost(ctx context.Context, target string, body map[string]string, out any, timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	buf, err := json.Marshal(body)
	if err != nil {
		fatalf("marshal: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(buf))
	if err != nil {
		fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("post %s: %v", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK && out != nil {
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
			fatalf("decode %s: %v", target, err)
		}
	}
	return resp.StatusCode
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "auth smoke: FAIL: "+format+"\n", args...)
	os.Exit(1)
}
