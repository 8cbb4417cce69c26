package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"

	"github.com/mkaran/stanza/internal/persona"
)

const maxImportBodySize = 10 << 20 // 10MB
const maxURLFetchSize = 5 << 20    // 5MB

// ImportRequest creates a section from external content: a fetched URL,
// a base64-encoded PDF, or inline text.
type ImportRequest struct {
	Type     string   `json:"type"` // url, pdf or text
	Name     string   `json:"name"`
	URL      string   `json:"url"`
	Content  string   `json:"content"`
	Keywords []string `json:"keywords"`
	Weight   float64  `json:"weight"`
}

func handleImportSection(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxImportBodySize)
		defer r.Body.Close()

		var req ImportRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
			return
		}
		if req.Type == "" {
			req.Type = "text"
		}

		profileID := chi.URLParam(r, "id")
		if _, err := deps.Store.GetProfile(profileID); err != nil {
			pipelineError(w, err)
			return
		}

		var template string
		switch req.Type {
		case "url":
			if req.URL == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "url is required for type url")
				return
			}
			text, err := fetchPageText(r.Context(), deps.HTTPClient, req.URL)
			if err != nil {
				httpError(w, http.StatusBadGateway, "api_error", "fetching url: %v", err)
				return
			}
			template = text

		case "pdf":
			if req.Content == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required for type pdf")
				return
			}
			raw, err := base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
				return
			}
			text, err := extractPDFText(raw)
			if err != nil {
				httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "extracting pdf text: %v", err)
				return
			}
			template = text

		case "text":
			template = req.Content

		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown import type %q", req.Type)
			return
		}

		template = strings.TrimSpace(template)
		if template == "" {
			httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "imported content is empty")
			return
		}

		sec := persona.Section{
			ID:        uuid.NewString(),
			ProfileID: profileID,
			Name:      req.Name,
			Type:      "knowledge",
			Keywords:  req.Keywords,
			Weight:    req.Weight,
			Template:  template,
			Active:    true,
		}
		if err := sec.Validate(); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err := deps.Store.CreateSection(sec); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusCreated, sec)
	}
}

func fetchPageText(ctx context.Context, client *http.Client, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("url returned status %d", resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, maxURLFetchSize)
	ct := resp.Header.Get("Content-Type")
	if strings.Contains(ct, "text/html") {
		return extractHTMLText(body)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// extractHTMLText walks the parse tree collecting visible text, skipping
// script and style subtrees.
func extractHTMLText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				b.WriteString(text)
				b.WriteString("\n")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return b.String(), nil
}

func extractPDFText(raw []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", err
	}
	text, err := reader.GetPlainText()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if _, err := io.Copy(&b, text); err != nil {
		return "", err
	}
	return b.String(), nil
}
