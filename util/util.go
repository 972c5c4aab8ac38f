package util

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	_ "embed"
	"encoding/pem"
	"fmt"
	"html"
	"regexp"
	"strings"
)

//go:embed version.txt
var embeddedVersion string

type RsaKeyPair struct {
	Private string
	Public  string
}

var (
	markdownLinkRe = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	// @user or @user@domain, preceded by start of text or whitespace
	mentionRe = regexp.MustCompile(`(?:^|\s)@([a-zA-Z0-9_.-]+)(?:@([a-zA-Z0-9.-]+\.[a-zA-Z]{2,}))?`)
)

func GetVersion() string {
	return strings.TrimSpace(embeddedVersion)
}

func GetNameAndVersion() string {
	return fmt.Sprintf("%s / %s", Name, GetVersion())
}

func NormalizeInput(text string) string {
	normalized := strings.Replace(text, "\n", " ", -1)
	normalized = html.EscapeString(normalized)
	return normalized
}

// GeneratePemKeypair creates an RSA key pair for HTTP signatures. The private key is
// PKCS#1, the public key PKIX, which is what remote servers expect in publicKeyPem.
func GeneratePemKeypair() (*RsaKeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	keyPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		},
	)

	pubPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "PUBLIC KEY",
			Bytes: pubBytes,
		},
	)

	return &RsaKeyPair{Private: string(keyPEM), Public: string(pubPEM)}, nil
}

// MarkdownLinksToHTML converts Markdown links [text](url) to HTML <a> tags
func MarkdownLinksToHTML(text string) string {
	return markdownLinkRe.ReplaceAllStringFunc(text, func(match string) string {
		matches := markdownLinkRe.FindStringSubmatch(match)
		if len(matches) == 3 {
			return fmt.Sprintf(`<a href="%s" target="_blank" rel="noopener noreferrer">%s</a>`, matches[2], matches[1])
		}
		return match
	})
}

// Mention is a @user or @user@domain reference found in a post.
type Mention struct {
	Username string
	Domain   string // empty for local mentions
}

// ExtractMentions returns the distinct mentions in text, in order of appearance.
func ExtractMentions(text string) []Mention {
	seen := map[string]bool{}
	var out []Mention
	for _, m := range mentionRe.FindAllStringSubmatch(text, -1) {
		mention := Mention{Username: strings.TrimRight(m[1], ".-"), Domain: strings.ToLower(m[2])}
		key := strings.ToLower(mention.Username) + "@" + mention.Domain
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, mention)
	}
	return out
}

// FormatContent turns plain post text into the HTML content of a Note.
func FormatContent(text string) string {
	return "<p>" + MarkdownLinksToHTML(NormalizeInput(text)) + "</p>"
}
