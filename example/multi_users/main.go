package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

type loginResponse struct {
	Email string `json:"email"`
	Token string `json:"token"`
}

type emailSummary struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
}

func main() {
	baseURL := getenvDefault("MAILRELAY_URL", "http://localhost:4000")
	smtpAddr := getenvDefault("MAILRELAY_SMTP", "localhost:2525")
	smtpUser := os.Getenv("SMTP_USERNAME")
	smtpPass := os.Getenv("SMTP_PASSWORD")

	userA := getenvDefault("USER_A", "user_a@domain.com")
	userB := getenvDefault("USER_B", "user_b@domain.com")
	keys := map[string]string{
		userA: getenvDefault("USER_A_KEY", "key-a"),
		userB: getenvDefault("USER_B_KEY", "key-b"),
	}

	client := newClient()
	tokens := map[string]string{}
	for _, user := range []string{userA, userB} {
		fmt.Println("Logging in as", user)
		tokens[user] = loginUser(client, baseURL, user, keys[user]).Token
	}

	fmt.Println("Sending test emails...")
	sendSMTP(smtpAddr, smtpUser, smtpPass, "sender@example.org", []string{userA},
		buildTestMessage("Test 1 - HTML + Text", userA))
	sendSMTP(smtpAddr, smtpUser, smtpPass, "sender@example.org", []string{userB},
		buildTestMessage("Test 2 - HTML + Text", userB))
	sendSMTP(smtpAddr, smtpUser, smtpPass, "sender@example.org", []string{userA, userB},
		buildTestMessage("Test 3 - Multi-recipient", userA+", "+userB))

	time.Sleep(500 * time.Millisecond)

	fmt.Println("Listing received emails per account:")
	for _, user := range []string{userA, userB} {
		emails, total := listEmails(client, baseURL, tokens[user])
		fmt.Printf("- %s total=%s\n", user, total)
		for _, e := range emails {
			fmt.Printf("    %s %s\n", e.ID, e.Subject)
		}
	}
}

func newClient() *http.Client {
	jar, _ := cookiejar.New(nil)
	return &http.Client{
		Timeout: 10 * time.Second,
		Jar:     jar,
	}
}

func loginUser(client *http.Client, baseURL, email, apiKey string) loginResponse {
	payload, _ := json.Marshal(map[string]string{"email": email, "apiKey": apiKey})
	resp := mustDo(client, "POST", baseURL+"/auth/login", "", bytes.NewReader(payload))
	defer resp.Body.Close()
	var out loginResponse
	mustDecode(resp.Body, &out)
	return out
}

func listEmails(client *http.Client, baseURL, token string) ([]emailSummary, string) {
	resp := mustDo(client, "GET", baseURL+"/emails?page=1&limit=5", token, nil)
	defer resp.Body.Close()
	var out []emailSummary
	mustDecode(resp.Body, &out)
	return out, resp.Header.Get("X-Total-Count")
}

func sendSMTP(addr, username, password, from string, to []string, msg []byte) {
	c, err := smtp.Dial(addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "smtp dial:", err)
		return
	}
	defer c.Close()
	if err := c.Hello("localhost"); err != nil {
		fmt.Fprintln(os.Stderr, "smtp hello:", err)
		return
	}
	if username != "" || password != "" {
		if err := c.Auth(sasl.NewPlainClient("", username, password)); err != nil {
			fmt.Fprintln(os.Stderr, "smtp auth:", err)
			return
		}
	}
	if err := c.Mail(from, nil); err != nil {
		fmt.Fprintln(os.Stderr, "smtp mail:", err)
		return
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			fmt.Fprintln(os.Stderr, "smtp rcpt:", err)
			return
		}
	}
	w, err := c.Data()
	if err != nil {
		fmt.Fprintln(os.Stderr, "smtp data:", err)
		return
	}
	if _, err := w.Write(msg); err != nil {
		fmt.Fprintln(os.Stderr, "smtp write:", err)
		return
	}
	if err := w.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "smtp error:", err)
		return
	}
	_ = c.Quit()
}

func buildTestMessage(subject, recipients string) []byte {
	text := "Hello!\n\nThis is a mailrelay multi-account test email.\n\nRecipients: " + recipients + "\n"
	html := "<html><body><h2>mailrelay multi-account test</h2><p>This is a test email.</p><p><strong>Recipients:</strong> " + recipients + "</p></body></html>"

	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(subject)
	h.SetAddressList("From", []*mail.Address{{Address: "sender@example.org"}})
	var to []*mail.Address
	for _, rcpt := range strings.Split(recipients, ",") {
		to = append(to, &mail.Address{Address: strings.TrimSpace(rcpt)})
	}
	h.SetAddressList("To", to)

	var buf bytes.Buffer
	w, err := mail.CreateInlineWriter(&buf, h)
	if err != nil {
		panic(err)
	}
	for _, part := range []struct{ contentType, body string }{
		{"text/plain", text},
		{"text/html", html},
	} {
		var ph mail.InlineHeader
		ph.SetContentType(part.contentType, map[string]string{"charset": "utf-8"})
		pw, err := w.CreatePart(ph)
		if err != nil {
			panic(err)
		}
		if _, err := io.WriteString(pw, part.body); err != nil {
			panic(err)
		}
		pw.Close()
	}
	if err := w.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func mustDo(client *http.Client, method, url, token string, body io.Reader) *http.Response {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		panic(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		panic(err)
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		panic(fmt.Sprintf("request failed: %s %s: %s", method, url, string(b)))
	}
	return resp
}

func mustDecode(r io.Reader, v any) {
	dec := json.NewDecoder(r)
	if err := dec.Decode(v); err != nil {
		panic(err)
	}
}

func getenvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
