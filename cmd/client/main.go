package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harrylevesque/slqrattend/internal/api"
	"github.com/harrylevesque/slqrattend/internal/attendance"
	"github.com/harrylevesque/slqrattend/internal/models"
	"github.com/harrylevesque/slqrattend/internal/utils"
)

const version = "0.1.0"

// Default server base URL; can override with SLQRATTEND_SERVER env var or --server flag.
var serverBaseURL = "http://localhost:8080"

var httpClient = &http.Client{Timeout: 10 * time.Second}

type options struct {
	user    string
	session string
	token   string
	lecture string
	ttl     time.Duration
	lat     float64
	lon     float64
	hasLoc  bool
}

func main() {
	cmd := flag.String("cmd", "claim", "Command: open|token|rotate|revoke|get|outcomes|claim|show-local")
	userID := flag.String("user", os.Getenv("SLQRATTEND_USER"), "Caller ID sent as X-User-ID")
	sessionID := flag.String("session", "", "Session ID (token/rotate/revoke/get/outcomes)")
	token := flag.String("token", "", "Session token (claim); defaults to the last token saved for -session")
	lecture := flag.String("lecture", "", "Lecture reference (open)")
	ttl := flag.Duration("ttl", 30*time.Minute, "Session lifetime (open)")
	lat := flag.Float64("lat", 0, "Latitude (open anchor / claim location)")
	lon := flag.Float64("lon", 0, "Longitude (open anchor / claim location)")
	serverFlag := flag.String("server", "", "Override server base URL (e.g. https://attend.example.com)")
	flag.Parse()
	if env := os.Getenv("SLQRATTEND_SERVER"); env != "" {
		serverBaseURL = strings.TrimRight(env, "/")
	}
	if *serverFlag != "" {
		serverBaseURL = strings.TrimRight(*serverFlag, "/")
	}

	opts := options{
		user:    *userID,
		session: *sessionID,
		token:   *token,
		lecture: *lecture,
		ttl:     *ttl,
		lat:     *lat,
		lon:     *lon,
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "lat" || f.Name == "lon" {
			opts.hasLoc = true
		}
	})

	if opts.user == "" && *cmd != "show-local" {
		fail(fmt.Errorf("--user required"))
	}

	var err error
	switch *cmd {
	case "open":
		err = openSession(opts)
	case "token":
		err = issueToken(opts, "token")
	case "rotate":
		err = issueToken(opts, "rotate")
	case "revoke":
		err = sessionAction(opts, http.MethodPost, "revoke")
	case "get":
		err = sessionAction(opts, http.MethodGet, "")
	case "outcomes":
		err = sessionAction(opts, http.MethodGet, "outcomes")
	case "claim":
		err = claim(opts)
	case "show-local":
		err = showLocal(opts.session)
	default:
		err = fmt.Errorf("unknown command %q", *cmd)
	}
	if err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Println("Error:", err)
	os.Exit(1)
}

// ====== Instructor ======

func openSession(o options) error {
	if o.lecture == "" {
		return fmt.Errorf("--lecture required")
	}
	payload := map[string]any{
		"lecture_ref": o.lecture,
		"ttl":         o.ttl.String(),
	}
	if o.hasLoc {
		payload["anchor_location"] = models.Location{Lat: o.lat, Lon: o.lon}
	}
	body, status, err := doJSON(http.MethodPost, "/sessions", o.user, payload)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return serverError(status, body)
	}
	return printIssued(body)
}

func issueToken(o options, action string) error {
	if o.session == "" {
		return fmt.Errorf("--session required")
	}
	body, status, err := doJSON(http.MethodPost, "/sessions/"+o.session+"/"+action, o.user, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return serverError(status, body)
	}
	return printIssued(body)
}

func sessionAction(o options, method, action string) error {
	if o.session == "" {
		return fmt.Errorf("--session required")
	}
	path := "/sessions/" + o.session
	if action != "" {
		path += "/" + action
	}
	body, status, err := doJSON(method, path, o.user, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return serverError(status, body)
	}
	return printIndented(body)
}

func printIssued(body []byte) error {
	var issued attendance.IssuedSession
	if err := json.Unmarshal(body, &issued); err != nil {
		return fmt.Errorf("decode server response: %w", err)
	}
	fmt.Println("Session:", issued.Session.SessionID)
	fmt.Println("Expires:", issued.Session.ExpiresAt.Format(time.RFC3339))
	fmt.Println("Token:  ", issued.Token)
	if err := saveLocalToken(localToken{
		SessionID: issued.Session.SessionID,
		Token:     issued.Token,
		ExpiresAt: issued.Session.ExpiresAt,
		SavedAt:   time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("save local token: %w", err)
	}
	return nil
}

// ====== Student ======

func claim(o options) error {
	tok := o.token
	if tok == "" && o.session != "" {
		lt, err := loadLocalToken(o.session)
		if err != nil {
			return fmt.Errorf("no --token given and no saved token for %s: %w", o.session, err)
		}
		tok = lt.Token
	}
	if tok == "" {
		return fmt.Errorf("--token or --session required")
	}

	fmt.Println("[1] Gathering device attributes...")
	attrs := utils.LocalAttributes(version)

	payload := map[string]any{
		"token":       tok,
		"device":      attrs,
		"client_time": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if o.hasLoc {
		payload["location"] = models.Location{Lat: o.lat, Lon: o.lon}
	}

	fmt.Println("[2] Submitting claim to", serverBaseURL)
	body, status, err := doJSON(http.MethodPost, "/claims", o.user, payload)
	if err != nil {
		return err
	}
	var out models.AttendanceOutcome
	if err := json.Unmarshal(body, &out); err != nil || out.Status == "" {
		return serverError(status, body)
	}
	fmt.Printf("[3] %s", out.Status)
	if out.RejectReason != models.ReasonNone {
		fmt.Printf(" (%s)", out.RejectReason)
	}
	fmt.Printf(" after %s\n", out.Delay.Round(time.Second))
	for _, f := range out.Anomalies {
		fmt.Printf("    ! %s [%s]\n", f.Kind, f.Severity)
	}
	return nil
}

// ===== Helpers =====

func doJSON(method, path, userID string, payload any) ([]byte, int, error) {
	var rd io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, serverBaseURL+path, rd)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.HeaderUserID, userID)
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return b, resp.StatusCode, nil
}

func serverError(status int, body []byte) error {
	var p api.ProblemDetail
	if err := json.Unmarshal(body, &p); err == nil && p.Title != "" {
		if p.Detail != "" {
			return fmt.Errorf("%s (%d): %s", p.Title, status, p.Detail)
		}
		return fmt.Errorf("%s (%d)", p.Title, status)
	}
	return fmt.Errorf("server returned status %d: %s", status, string(body))
}

func printIndented(body []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		return err
	}
	fmt.Println(buf.String())
	return nil
}

type localToken struct {
	SessionID string    `json:"session_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	SavedAt   time.Time `json:"saved_at"`
}

func tokenPath(sessionID string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".slqrattend", "sessions", sessionID+".json"), nil
}

func saveLocalToken(lt localToken) error {
	path, err := tokenPath(lt.SessionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(lt, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func loadLocalToken(sessionID string) (*localToken, error) {
	path, err := tokenPath(sessionID)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lt localToken
	if err := json.Unmarshal(b, &lt); err != nil {
		return nil, err
	}
	return &lt, nil
}

func showLocal(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("--session required")
	}
	lt, err := loadLocalToken(sessionID)
	if err != nil {
		return err
	}
	enc, _ := json.MarshalIndent(lt, "", "  ")
	fmt.Println(string(enc))
	return nil
}
